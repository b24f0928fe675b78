package model

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// ファイルヘッダ: magic(4) | version(1) | xxhash64(8, big endian) | zstd(gob)
const (
	fileMagic   = "BMSF"
	fileVersion = byte(1)
	headerSize  = len(fileMagic) + 1 + 8
)

// SaveModel はモデルをファイルに保存する
//
// model must be gob-encodable; the tree and forest types implement
// gob.GobEncoder. The file is written to a temporary path and renamed so a
// watcher never observes a partial model.
//
//	var forest ensemble.RandomForestRegressor
//	// ... forest.Fit(X, y) ...
//	err := model.SaveModel(forest, "soh.bmsf")
func SaveModel(model interface{}, filename string) error {
	tmp := filename + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}

	if err := SaveModelToWriter(model, file); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to close file")
	}
	if err := os.Rename(tmp, filename); err != nil {
		return errors.Wrap(err, "failed to rename model file")
	}
	return nil
}

// LoadModel はファイルからモデルを読み込む
//
//	var forest ensemble.RandomForestRegressor
//	err := model.LoadModel(&forest, "soh.bmsf")
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.Wrap(err, "failed to open file")
	}
	defer file.Close()

	return LoadModelFromReader(model, file)
}

// SaveModelToWriter はモデルをWriterに保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(model); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Wrap(err, "failed to create zstd encoder")
	}
	payload := enc.EncodeAll(raw.Bytes(), nil)
	enc.Close()

	header := make([]byte, headerSize)
	copy(header, fileMagic)
	header[len(fileMagic)] = fileVersion
	binary.BigEndian.PutUint64(header[len(fileMagic)+1:], xxhash.Sum64(payload))

	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write model header")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write model payload")
	}
	return nil
}

// LoadModelFromReader はReaderからモデルを読み込む
//
// A wrong magic, unknown version or checksum mismatch returns an error
// matching errors.ErrCorruptModel.
func LoadModelFromReader(model interface{}, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "failed to read model")
	}
	if len(data) < headerSize || string(data[:len(fileMagic)]) != fileMagic {
		return errors.Wrap(errors.ErrCorruptModel, "missing BMSF header")
	}
	if v := data[len(fileMagic)]; v != fileVersion {
		return errors.Wrapf(errors.ErrCorruptModel, "unsupported version %d", v)
	}

	sum := binary.BigEndian.Uint64(data[len(fileMagic)+1 : headerSize])
	payload := data[headerSize:]
	if xxhash.Sum64(payload) != sum {
		return errors.Wrap(errors.ErrCorruptModel, "checksum mismatch")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return errors.Wrap(err, "failed to create zstd decoder")
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCorruptModel, err.Error())
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}
