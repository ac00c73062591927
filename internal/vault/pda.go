package vault

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

func DeriveOrderPDA(settlementProgramID, maker solana.PublicKey, orderID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("order"), maker.Bytes(), u64LE(orderID)}, settlementProgramID)
}

func DeriveVaultAuthorityPDA(settlementProgramID, order solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault-authority"), order.Bytes()}, settlementProgramID)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
