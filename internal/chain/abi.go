package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const pawnSystemABI = `[
 {"anonymous":false,"inputs":[
  {"indexed":true,"name":"positionId","type":"uint256"},
  {"indexed":true,"name":"user","type":"address"},
  {"indexed":false,"name":"ethAmount","type":"uint256"},
  {"indexed":false,"name":"usdtAmount","type":"uint256"},
  {"indexed":false,"name":"maturityDate","type":"uint256"}],"name":"PawnCreated","type":"event"},
 {"inputs":[],"name":"createPawn","outputs":[],"stateMutability":"payable","type":"function"},
 {"inputs":[{"name":"positionId","type":"uint256"}],"name":"redeemPawn","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"name":"positionId","type":"uint256"}],"name":"liquidatePawn","outputs":[],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[],"name":"getTotalPawns","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
 {"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	pawnABI  = mustParse(pawnSystemABI)
	tokenABI = mustParse(erc20ABI)

	pawnCreatedTopic = ethcrypto.Keccak256Hash([]byte("PawnCreated(uint256,address,uint256,uint256,uint256)"))
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}
