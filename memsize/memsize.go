// Package memsize formats byte and bit counts into human-readable strings,
// used for logging disk cache sizes and configured bandwidth limits.
package memsize

import "fmt"

// Byte-count units.
const (
	B  uint64 = 1
	KB        = B * 1024
	MB        = KB * 1024
	GB        = MB * 1024
	TB        = GB * 1024
)

// Bit-rate units.
const (
	bit  uint64 = 1
	Kbit        = bit * 1000
	Mbit        = Kbit * 1000
	Gbit        = Mbit * 1000
	Tbit        = Gbit * 1000
)

// Format renders a byte count in the largest unit that keeps the integer
// part non-zero, e.g. 1.50GB.
func Format(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2fTB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2fGB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2fMB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2fKB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%.2fB", float64(bytes))
	}
}

// BitFormat renders a bit count the same way Format renders bytes.
func BitFormat(bits uint64) string {
	if bits == 0 {
		return "0bit"
	}
	switch {
	case bits >= Tbit:
		return fmt.Sprintf("%.2fTbit", float64(bits)/float64(Tbit))
	case bits >= Gbit:
		return fmt.Sprintf("%.2fGbit", float64(bits)/float64(Gbit))
	case bits >= Mbit:
		return fmt.Sprintf("%.2fMbit", float64(bits)/float64(Mbit))
	case bits >= Kbit:
		return fmt.Sprintf("%.2fKbit", float64(bits)/float64(Kbit))
	default:
		return fmt.Sprintf("%.2fbit", float64(bits))
	}
}
