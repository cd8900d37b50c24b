package matching

import (
	"github.com/carpool/ridematch/internal/geo"
	"github.com/carpool/ridematch/internal/search"
)

// Radii are the maximum pickup and drop distances, in meters, for two
// searches to pair.
type Radii struct {
	Pickup float64
	Drop   float64
}

// DefaultRadii is 5km at both ends.
var DefaultRadii = Radii{Pickup: 5000, Drop: 5000}

// AreCompatible reports whether a and b can be proposed to each other: they
// belong to different users, have opposite kinds, and both their pickups and
// their drops are within the radii. It is pure and symmetric.
func AreCompatible(a, b search.ActiveSearch, radii Radii) bool {
	if a.OwnerID == b.OwnerID {
		return false
	}
	if !a.Kind.Valid() || b.Kind != a.Kind.Opposite() {
		return false
	}
	if geo.Distance(a.Pickup, b.Pickup) > radii.Pickup {
		return false
	}
	return geo.Distance(a.Drop, b.Drop) <= radii.Drop
}
