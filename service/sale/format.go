package sale

// FormatAddress shortens a base58 address to its first and last four
// characters, e.g. "7xKX...9mPq". Short inputs are returned unchanged.
func FormatAddress(addr string) string {
	if len(addr) <= 11 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}
