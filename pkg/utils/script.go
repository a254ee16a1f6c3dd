package utils

import "unicode"

var arabicRanges = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0600, Hi: 0x06FF, Stride: 1},
		{Lo: 0x0750, Hi: 0x077F, Stride: 1},
		{Lo: 0x08A0, Hi: 0x08FF, Stride: 1},
	},
}

// ContainsArabic reports whether s has any rune in the Arabic blocks.
func ContainsArabic(s string) bool {
	for _, r := range s {
		if unicode.Is(arabicRanges, r) {
			return true
		}
	}
	return false
}
