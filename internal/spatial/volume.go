// Package spatial implements proximity-based audio routing: the
// distance→volume curve and the cached per-source recipient selection.
package spatial

import "math"

// Audio range constants, in tiles.
const (
	MaxDistance        = 10 // beyond this, volume is 0
	FullVolumeDistance = 2  // within this, volume is 1.0
)

const maxDistanceSq = MaxDistance * MaxDistance

// volumeTable maps squared distance to volume so no sqrt is needed at
// runtime. Coordinates are integers, so d² fully indexes the curve.
var volumeTable = buildVolumeTable()

func buildVolumeTable() [maxDistanceSq + 1]float64 {
	var table [maxDistanceSq + 1]float64
	for distSq := range table {
		if distSq <= FullVolumeDistance*FullVolumeDistance {
			table[distSq] = 1.0
		} else {
			d := math.Sqrt(float64(distSq))
			table[distSq] = 1.0 - (d-FullVolumeDistance)/(MaxDistance-FullVolumeDistance)
		}
	}
	return table
}

// Volume returns the playback volume for a position offset of (dx, dy)
// tiles. Offsets beyond MaxDistance yield 0.
func Volume(dx, dy int) float64 {
	distSq := dx*dx + dy*dy
	if distSq > maxDistanceSq {
		return 0.0
	}
	return volumeTable[distSq]
}

// VolumeWithin is Volume generalised to an arbitrary radius, used for
// stream sources that declare their own audible range. The full-volume
// plateau scales with the radius in the same 1:5 proportion.
func VolumeWithin(dx, dy, radius int) float64 {
	if radius <= 0 {
		return 0.0
	}
	distSq := dx*dx + dy*dy
	if distSq > radius*radius {
		return 0.0
	}
	full := float64(radius) * float64(FullVolumeDistance) / float64(MaxDistance)
	d := math.Sqrt(float64(distSq))
	if d <= full {
		return 1.0
	}
	return 1.0 - (d-full)/(float64(radius)-full)
}
