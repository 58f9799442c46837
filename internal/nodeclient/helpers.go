package nodeclient

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/btcsuite/btcd/wire"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func serializeTxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
