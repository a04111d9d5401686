package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestDynamicFeeTx(t *testing.T) {
	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tip, baseFee := big.NewInt(2_000_000_000), big.NewInt(10_000_000_000)

	tx := dynamicFeeTx(chainID, 7, to, 90_000, tip, baseFee, []byte{0x01, 0x02})

	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("type = %d, want %d", tx.Type(), types.DynamicFeeTxType)
	}
	if tx.GasTipCap().Cmp(tip) != 0 {
		t.Errorf("tip cap = %s", tx.GasTipCap())
	}
	if want := big.NewInt(22_000_000_000); tx.GasFeeCap().Cmp(want) != 0 {
		t.Errorf("fee cap = %s, want %s", tx.GasFeeCap(), want)
	}
	if tx.Nonce() != 7 || tx.Gas() != 90_000 || *tx.To() != to || tx.ChainId().Cmp(chainID) != 0 {
		t.Errorf("unexpected tx fields: nonce=%d gas=%d to=%s chain=%s", tx.Nonce(), tx.Gas(), tx.To().Hex(), tx.ChainId())
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(signer, signed)
	if err != nil || from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("sender = %s, %v", from.Hex(), err)
	}
}
