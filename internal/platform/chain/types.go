package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidSeriesID = errors.New("invalid series id")

// SeriesID is the 32-byte identifier of an option series. ERC-1155 token ids
// are the same value read as uint256.
type SeriesID [32]byte

// ParseSeriesID parses a 0x-prefixed 64 hex digit string.
func ParseSeriesID(s string) (SeriesID, error) {
	var id SeriesID
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return id, fmt.Errorf("%w: %q lacks 0x prefix", ErrInvalidSeriesID, s)
	}
	raw := s[2:]
	if len(raw) != 64 {
		return id, fmt.Errorf("%w: %q must be 32 bytes", ErrInvalidSeriesID, s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrInvalidSeriesID, s, err)
	}
	copy(id[:], b)
	return id, nil
}

// SeriesIDFromBig converts an ERC-1155 token id.
func SeriesIDFromBig(v *big.Int) SeriesID {
	return SeriesID(common.BigToHash(v))
}

// Hex returns the lower-case 0x-prefixed form used as the store key.
func (id SeriesID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id SeriesID) String() string { return id.Hex() }

// Big returns the id as an ERC-1155 token id.
func (id SeriesID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// ParseAddress parses a hex account address, rejecting malformed input that
// common.HexToAddress would silently accept.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// Series is the decoded getSeries result.
type Series struct {
	ID                SeriesID
	Underlying        common.Address
	Quote             common.Address
	Strike            *big.Int
	Expiry            uint64
	IsCall            bool
	BaseFeeBps        uint16
	Settled           bool
	LongOpenInterest  *big.Int
	ShortOpenInterest *big.Int
	Premium           *big.Int
}

// SettlementEligible reports whether the series is expired, unsettled and has
// no outstanding long open interest.
func (s *Series) SettlementEligible(now time.Time) bool {
	if s.Settled || s.Expiry == 0 {
		return false
	}
	if s.Expiry > uint64(now.Unix()) {
		return false
	}
	return s.LongOpenInterest == nil || s.LongOpenInterest.Sign() == 0
}

// AccountStatus is the margin engine's view of an account. Equity is signed.
type AccountStatus struct {
	Equity        *big.Int
	Maintenance   *big.Int
	InLiquidation bool
}
