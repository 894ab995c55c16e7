package cell

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCoordinates is returned for NaN, infinite or out of range positions.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

const twoThirds = 2.0 / 3.0

// FromCoords returns the nested index of the cell at the given order that
// contains the position (ra, dec), both in degrees. Right ascension wraps
// around; declination must lie in [-90, 90].
func FromCoords(ra, dec float64, order uint8) (uint64, error) {
	if order > MaxOrder {
		return 0, fmt.Errorf("%w: order %d exceeds %d", ErrInvalidCell, order, MaxOrder)
	}
	if math.IsNaN(ra) || math.IsNaN(dec) || math.IsInf(ra, 0) || math.IsInf(dec, 0) {
		return 0, fmt.Errorf("%w: ra=%v dec=%v", ErrInvalidCoordinates, ra, dec)
	}
	if dec < -90 || dec > 90 {
		return 0, fmt.Errorf("%w: dec=%v outside [-90, 90]", ErrInvalidCoordinates, dec)
	}

	z := math.Sin(dec * math.Pi / 180)
	phi := ra * math.Pi / 180
	return angToNest(z, phi, order), nil
}

// angToNest maps (z = cos(colatitude), phi = longitude in radians) to a nested
// index at the given order.
func angToNest(z, phi float64, order uint8) uint64 {
	nside := int64(1) << order
	za := math.Abs(z)

	tt := math.Mod(phi/(math.Pi/2), 4)
	if tt < 0 {
		tt += 4
	}

	if za <= twoThirds {
		// equatorial region
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * (z * 0.75)
		jp := int64(temp1 - temp2) // ascending edge line
		jm := int64(temp1 + temp2) // descending edge line
		ifp := jp >> order
		ifm := jm >> order

		var face int64
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
		ix := jm & (nside - 1)
		iy := nside - (jp & (nside - 1)) - 1
		return xyfToNest(ix, iy, face, order)
	}

	// polar caps
	ntt := int64(tt)
	if ntt > 3 {
		ntt = 3
	}
	tp := tt - float64(ntt)
	tmp := float64(nside) * math.Sqrt(3*(1-za))

	jp := int64(tp * tmp)
	jm := int64((1 - tp) * tmp)
	if jp > nside-1 {
		jp = nside - 1
	}
	if jm > nside-1 {
		jm = nside - 1
	}
	if z >= 0 {
		return xyfToNest(nside-jm-1, nside-jp-1, ntt, order)
	}
	return xyfToNest(jp, jm, ntt+8, order)
}

func xyfToNest(ix, iy, face int64, order uint8) uint64 {
	return uint64(face)<<(2*uint64(order)) + spreadBits(uint64(ix)) + spreadBits(uint64(iy))<<1
}

// spreadBits interleaves the low 32 bits of v with zeros: bit k moves to bit 2k.
func spreadBits(v uint64) uint64 {
	v &= 0x00000000ffffffff
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}
