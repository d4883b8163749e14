// Package colorspace converts frames between capture order and inference order.
package colorspace

import "github.com/andresmejia3/emoscope/internal/types"

// Normalize returns a copy of f in the target channel order, swapping the first and
// third channel when the orders differ. The input is never modified.
func Normalize(f types.Frame, target types.ChannelOrder) (types.Frame, error) {
	if err := f.Validate(); err != nil {
		return types.Frame{}, err
	}

	out := f.Clone()
	out.Order = target
	if f.Order == target {
		return out, nil
	}

	pix := out.Pix
	for i := 0; i+2 < len(pix); i += 3 {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
	return out, nil
}

// ToInference is shorthand for Normalize(f, types.OrderRGB).
func ToInference(f types.Frame) (types.Frame, error) {
	return Normalize(f, types.OrderRGB)
}

// ToDisplay is shorthand for Normalize(f, types.OrderBGR).
func ToDisplay(f types.Frame) (types.Frame, error) {
	return Normalize(f, types.OrderBGR)
}
