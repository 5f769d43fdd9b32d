// Copyright 2026 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package stately

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Data is the serializable form of the models in a session: the model name
// mapped to the JSON encoding of the model.
type Data map[string][]byte

// Encoder is an encoder to encode session data to binary. Encoding equal data
// must produce equal binary.
type Encoder func(Data) ([]byte, error)

// Decoder is a decoder to decode binary to session data.
type Decoder func([]byte) (Data, error)

// record is a single model in the encoded session data.
type record struct {
	Name  string
	Model []byte
}

// envelope is the versioned container of encoded session data.
type envelope struct {
	Version int
	Records []record
}

const envelopeVersion = 1

// sortedRecords returns records of the data ordered by model name.
func sortedRecords(data Data) []record {
	records := make([]record, 0, len(data))
	for name, model := range data {
		records = append(records, record{Name: name, Model: model})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
	return records
}

// recordsToData returns the data of given envelope, or an error if the version
// is unsupported.
func recordsToData(env envelope) (Data, error) {
	if env.Version != envelopeVersion {
		return nil, errors.Errorf("unsupported version %d", env.Version)
	}

	data := make(Data, len(env.Records))
	for _, r := range env.Records {
		data[r.Name] = r.Model
	}
	return data, nil
}

// GobEncoder is a session data encoder using Gob.
func GobEncoder(data Data) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(envelope{
		Version: envelopeVersion,
		Records: sortedRecords(data),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecoder is a session data decoder using Gob.
func GobDecoder(binary []byte) (Data, error) {
	var env envelope
	err := gob.NewDecoder(bytes.NewReader(binary)).Decode(&env)
	if err != nil {
		return nil, err
	}
	return recordsToData(env)
}

// JSONEncoder is a session data encoder using JSON.
func JSONEncoder(data Data) ([]byte, error) {
	return json.Marshal(envelope{
		Version: envelopeVersion,
		Records: sortedRecords(data),
	})
}

// JSONDecoder is a session data decoder using JSON.
func JSONDecoder(binary []byte) (Data, error) {
	var env envelope
	err := json.Unmarshal(binary, &env)
	if err != nil {
		return nil, err
	}
	return recordsToData(env)
}
