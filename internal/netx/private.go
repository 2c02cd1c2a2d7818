package netx

// privateRangeCIDRs lists RFC1918, loopback and link-local ranges used to
// reject forwarded-header spoofing from untrusted clients.
var privateRangeCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// PrivateRanges returns a CIDRSet covering RFC1918 and other non-routable
// address space, used to validate a candidate client IP pulled from a
// forwarded header before trusting it.
func PrivateRanges() *CIDRSet {
	set, err := ParseCIDRSet(privateRangeCIDRs)
	if err != nil {
		// privateRangeCIDRs is a constant, valid literal; this cannot fail.
		panic(err)
	}
	return set
}
