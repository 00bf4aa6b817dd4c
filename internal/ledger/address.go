package ledger

import (
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/sha3"
)

const addressHexLen = 40

// ValidateAddress checks that s is a 0x-prefixed 20-byte hex address.
// All-lower and all-upper addresses are accepted as is; mixed-case addresses
// must carry a valid EIP-55 checksum.
func ValidateAddress(s string) error {
	if s == "" {
		return newTransferError(KindInvalidDestination, "", eris.New("ledger: destination address is empty"))
	}
	if len(s) != addressHexLen+2 || (s[:2] != "0x" && s[:2] != "0X") {
		return newTransferError(KindInvalidDestination, "", eris.Errorf("ledger: malformed destination address %q", s))
	}
	body := s[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return newTransferError(KindInvalidDestination, "", eris.Wrapf(err, "ledger: non-hex destination address %q", s))
	}
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if checksumHex(body) != body {
		return newTransferError(KindInvalidDestination, "", eris.Errorf("ledger: bad checksum on destination address %q", s))
	}
	return nil
}

// ChecksumAddress returns the EIP-55 form of a valid address.
func ChecksumAddress(s string) (string, error) {
	if err := ValidateAddress(s); err != nil {
		return "", err
	}
	return "0x" + checksumHex(s[2:]), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func checksumHex(body string) string {
	lower := strings.ToLower(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
