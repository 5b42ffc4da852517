package registry

import (
	commoncbor "github.com/datatrails/go-datatrails-common/cbor"
	"github.com/fxamacker/cbor/v2"
)

type stateCodec = commoncbor.CBORCodec

// newStateCodec returns the deterministic CBOR codec used for registry
// state snapshots and registry records.
func newStateCodec() (commoncbor.CBORCodec, error) {
	codec, err := commoncbor.NewCBORCodec(encOptions, decOptions)
	if err != nil {
		return commoncbor.CBORCodec{}, err
	}
	return codec, nil
}

var (
	encOptions = commoncbor.NewDeterministicEncOpts()
	decOptions = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF, // (default) duplicated key not allowed
		IndefLength: cbor.IndefLengthForbidden, // (default) no streaming
		IntDec:      cbor.IntDecConvertNone,    // retain the sign on decode
		TagsMd:      cbor.TagsForbidden,        // (default) no tags
	}
)

// StateDecOptions returns the decoding options compatible with persisted
// state snapshots and signed checkpoints.
func StateDecOptions() cbor.DecOptions {
	return decOptions
}

// StateEncOptions returns the matching encoding options.
func StateEncOptions() cbor.EncOptions {
	return encOptions
}
