/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package telemetry

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	// BatchVersion is the schema version written into every batch.
	BatchVersion = 1

	ContentType     = "application/cbor"
	ContentEncoding = "zstd"
)

// Record is the trace of one request attempt.
type Record struct {
	ID             uuid.UUID `cbor:"1,keyasint"`
	Operation      string    `cbor:"2,keyasint,omitempty"`
	Method         string    `cbor:"3,keyasint"`
	Host           string    `cbor:"4,keyasint"`
	Status         int       `cbor:"5,keyasint"`
	Attempt        int       `cbor:"6,keyasint"`
	Retried        bool      `cbor:"7,keyasint,omitempty"`
	StartedUnixNs  int64     `cbor:"8,keyasint"`
	DurationMicros int64     `cbor:"9,keyasint"`
	Error          string    `cbor:"10,keyasint,omitempty"`
}

// Batch is the unit posted to the events endpoint.
type Batch struct {
	Version int      `cbor:"1,keyasint"`
	Client  string   `cbor:"2,keyasint"`
	Dropped int      `cbor:"3,keyasint,omitempty"`
	Records []Record `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("telemetry: cbor encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("telemetry: cbor decoder: %v", err))
	}
	// EncodeAll and DecodeAll are safe for concurrent use.
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		panic(fmt.Sprintf("telemetry: zstd encoder: %v", err))
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic(fmt.Sprintf("telemetry: zstd decoder: %v", err))
	}
}

// EncodeBatch returns the zstd-compressed CBOR encoding of b.
func EncodeBatch(b *Batch) ([]byte, error) {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telemetry batch: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress telemetry batch: %w", err)
	}
	b := &Batch{}
	if err := decMode.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry batch: %w", err)
	}
	return b, nil
}
