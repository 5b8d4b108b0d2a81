package fraud

import (
	"fmt"
	"net/netip"
	"strings"
)

// SubnetFor reduces a client IP to its reputation bucket: /24 for IPv4 and
// /64 for IPv6. IPv4-mapped IPv6 addresses are unwrapped first so both
// representations of the same client land in the same bucket.
func SubnetFor(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("parsing ip %q: %w", ip, err)
	}
	addr = addr.Unmap()

	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "", fmt.Errorf("masking ip %q: %w", ip, err)
	}
	return prefix.String(), nil
}

// countryCodes maps E.164 country calling codes to ISO 3166-1 alpha-2
// countries. Codes are matched longest-first, so "1" only applies when no
// longer NANP-adjacent code matches.
var countryCodes = map[string]string{
	"1":   "US",
	"7":   "RU",
	"20":  "EG",
	"27":  "ZA",
	"30":  "GR",
	"31":  "NL",
	"32":  "BE",
	"33":  "FR",
	"34":  "ES",
	"36":  "HU",
	"39":  "IT",
	"40":  "RO",
	"41":  "CH",
	"43":  "AT",
	"44":  "GB",
	"45":  "DK",
	"46":  "SE",
	"47":  "NO",
	"48":  "PL",
	"49":  "DE",
	"52":  "MX",
	"55":  "BR",
	"60":  "MY",
	"61":  "AU",
	"62":  "ID",
	"63":  "PH",
	"64":  "NZ",
	"65":  "SG",
	"66":  "TH",
	"81":  "JP",
	"82":  "KR",
	"84":  "VN",
	"86":  "CN",
	"90":  "TR",
	"91":  "IN",
	"92":  "PK",
	"93":  "AF",
	"94":  "LK",
	"95":  "MM",
	"98":  "IR",
	"212": "MA",
	"213": "DZ",
	"216": "TN",
	"218": "LY",
	"220": "GM",
	"221": "SN",
	"233": "GH",
	"234": "NG",
	"254": "KE",
	"255": "TZ",
	"256": "UG",
	"260": "ZM",
	"263": "ZW",
	"351": "PT",
	"352": "LU",
	"353": "IE",
	"358": "FI",
	"359": "BG",
	"370": "LT",
	"371": "LV",
	"372": "EE",
	"380": "UA",
	"381": "RS",
	"385": "HR",
	"420": "CZ",
	"421": "SK",
	"852": "HK",
	"880": "BD",
	"886": "TW",
	"960": "MV",
	"961": "LB",
	"962": "JO",
	"963": "SY",
	"964": "IQ",
	"965": "KW",
	"966": "SA",
	"967": "YE",
	"968": "OM",
	"971": "AE",
	"972": "IL",
	"973": "BH",
	"974": "QA",
	"975": "BT",
	"976": "MN",
	"977": "NP",
	"992": "TJ",
	"993": "TM",
	"994": "AZ",
	"995": "GE",
	"996": "KG",
	"998": "UZ",
}

// PhoneInfo is the normalized view of an E.164 destination.
type PhoneInfo struct {
	Digits  string // phone without the leading +
	Country string // ISO alpha-2, "" when the calling code is unknown
	Prefix  string // calling code plus up to three further digits
}

// NormalizePhone splits an E.164 phone into country and routing prefix.
// The prefix is the country calling code plus up to three more digits,
// which is the granularity reputation and rates are tracked at.
func NormalizePhone(phone string) (PhoneInfo, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if digits == "" {
		return PhoneInfo{}, fmt.Errorf("empty phone number")
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return PhoneInfo{}, fmt.Errorf("phone %q is not E.164", phone)
		}
	}

	info := PhoneInfo{Digits: digits}

	// Longest calling code wins (3, then 2, then 1 digits).
	for l := 3; l >= 1; l-- {
		if len(digits) < l {
			continue
		}
		if country, ok := countryCodes[digits[:l]]; ok {
			info.Country = country
			end := l + 3
			if end > len(digits) {
				end = len(digits)
			}
			info.Prefix = digits[:end]
			return info, nil
		}
	}

	// Unknown calling code: fall back to a 4-digit prefix.
	end := 4
	if end > len(digits) {
		end = len(digits)
	}
	info.Prefix = digits[:end]
	return info, nil
}
