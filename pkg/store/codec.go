package store

import (
	"github.com/fxamacker/cbor/v2"
)

// read state and outbox records are stored as deterministic CBOR; thread and
// message records stay JSON so they can be served without re-encoding.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: cbor encoder init failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: cbor decoder init failed: " + err.Error())
	}
}

func marshalRecord(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalRecord(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
