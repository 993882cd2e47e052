package anchor

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// MemoProgramID is the SPL memo program (v2).
const MemoProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

const maxMemoBytes = 566

var memoProgramKey = mustDecodeKey(MemoProgramID)

func mustDecodeKey(s string) []byte {
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		panic(fmt.Sprintf("invalid program id %s", s))
	}
	return b
}

// appendShortVec appends the compact-u16 length encoding used by the
// Solana wire format.
func appendShortVec(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// memoMessage builds a legacy transaction message with one memo
// instruction signed by payer.
func memoMessage(payer []byte, blockhash []byte, memo []byte) ([]byte, error) {
	if len(payer) != 32 {
		return nil, errors.New("payer key must be 32 bytes")
	}
	if len(blockhash) != 32 {
		return nil, errors.New("blockhash must be 32 bytes")
	}
	if len(memo) == 0 {
		return nil, errors.New("memo empty")
	}
	if len(memo) > maxMemoBytes {
		return nil, fmt.Errorf("memo %d bytes exceeds %d", len(memo), maxMemoBytes)
	}
	msg := make([]byte, 0, 3+1+64+32+8+len(memo))
	// header: required signatures, readonly signed, readonly unsigned
	msg = append(msg, 1, 0, 1)
	msg = appendShortVec(msg, 2)
	msg = append(msg, payer...)
	msg = append(msg, memoProgramKey...)
	msg = append(msg, blockhash...)
	msg = appendShortVec(msg, 1)
	msg = append(msg, 1)
	msg = appendShortVec(msg, 1)
	msg = append(msg, 0)
	msg = appendShortVec(msg, len(memo))
	msg = append(msg, memo...)
	return msg, nil
}

// signedMemoTransaction returns the wire transaction and its signature.
func signedMemoTransaction(kp *Keypair, blockhash []byte, memo []byte) ([]byte, []byte, error) {
	msg, err := memoMessage(kp.PublicKey(), blockhash, memo)
	if err != nil {
		return nil, nil, err
	}
	sig := kp.Sign(msg)
	tx := appendShortVec(make([]byte, 0, 1+len(sig)+len(msg)), 1)
	tx = append(tx, sig...)
	tx = append(tx, msg...)
	return tx, sig, nil
}
