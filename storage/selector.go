package storage

import "math"

// PreferPrimaryRatio is the default factor by which primary free space must
// exceed secondary free space for the primary root to be preferred.
const PreferPrimaryRatio int64 = 2

// Selector picks the optimal root from free-space figures. It is a pure
// function of its inputs.
type Selector struct {
	// Ratio overrides PreferPrimaryRatio when positive.
	Ratio int64
}

func (s Selector) ratio() int64 {
	if s.Ratio > 0 {
		return s.Ratio
	}
	return PreferPrimaryRatio
}

// OptimalRoot returns RootPrimary when the secondary root is unavailable,
// when either figure is SpaceUnknown, or when
// primaryFree >= secondaryFree*Ratio. Otherwise it returns RootSecondary.
func (s Selector) OptimalRoot(primaryFree, secondaryFree int64, secondaryAvailable bool) Root {
	if !secondaryAvailable {
		return RootPrimary
	}
	if primaryFree < 0 || secondaryFree < 0 {
		return RootPrimary
	}
	r := s.ratio()
	if secondaryFree > math.MaxInt64/r {
		// secondaryFree*r would overflow; primary cannot reach it.
		return RootSecondary
	}
	if primaryFree >= secondaryFree*r {
		return RootPrimary
	}
	return RootSecondary
}
