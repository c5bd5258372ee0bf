package identity

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"echo-chat/go-engine/internal/domains/contracts"
	"echo-chat/go-engine/pkg/models"
)

var ErrInvalidIdentity = contracts.ErrInvalidIdentity

const (
	abbreviationHead = 6
	abbreviationTail = 4
)

// Normalize returns the canonical map key for a raw address. It does not
// validate the input.
func Normalize(raw string) models.Identity {
	return models.Identity(strings.ToLower(strings.TrimSpace(raw)))
}

// Parse validates a raw hex address and returns its canonical form.
func Parse(raw string) (models.Identity, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", ErrInvalidIdentity
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return Normalize(raw), nil
}

// Equal compares two raw addresses case-insensitively.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Checksum renders an identity in EIP-55 mixed case when it is a hex address.
func Checksum(id models.Identity) string {
	raw := string(id)
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw).Hex()
	}
	return raw
}

// Abbreviate renders the short "0xAbCd...1234" form used as a fallback display
// name for identities without a registered username.
func Abbreviate(id models.Identity) string {
	display := Checksum(id)
	if len(display) <= abbreviationHead+abbreviationTail {
		return display
	}
	return display[:abbreviationHead] + "..." + display[len(display)-abbreviationTail:]
}

// Address converts a validated identity into a go-ethereum address.
func Address(id models.Identity) (common.Address, error) {
	if !common.IsHexAddress(string(id)) {
		return common.Address{}, ErrInvalidIdentity
	}
	return common.HexToAddress(string(id)), nil
}

func FromAddress(addr common.Address) models.Identity {
	return Normalize(addr.Hex())
}
