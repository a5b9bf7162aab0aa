package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func init() {
	kdfIterations = 1_000
}

func TestSealOpenRoundTrip(t *testing.T) {
	blob, err := SealKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	key, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	require.Equal(t, testKeyHex, common.Bytes2Hex(ethcrypto.FromECDSA(key)))

	_, err = OpenKey(blob, "wrong")
	require.ErrorContains(t, err, "decryption failed")

	_, err = OpenKey(blob, "")
	require.Error(t, err)
}

func TestLoadKeyPrecedence(t *testing.T) {
	blob, err := SealKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	fromFile, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	raw := common.Bytes2Hex(ethcrypto.FromECDSA(other))
	fromRaw, err := LoadKey(KeySource{RawPrivateKey: raw, EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)

	require.NotEqual(t, ethcrypto.PubkeyToAddress(fromFile.PublicKey), ethcrypto.PubkeyToAddress(fromRaw.PublicKey))

	_, err = LoadKey(KeySource{})
	require.Error(t, err)
	_, err = LoadKey(KeySource{RawPrivateKey: "zz"})
	require.Error(t, err)
}

func TestSignerSignsForChain(t *testing.T) {
	key, err := ParsePrivateKey(testKeyHex)
	require.NoError(t, err)
	s, err := NewSigner(key, big.NewInt(11155111))
	require.NoError(t, err)

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(11155111),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	require.Equal(t, s.Address(), from)

	_, err = NewSigner(key, big.NewInt(0))
	require.Error(t, err)
}
