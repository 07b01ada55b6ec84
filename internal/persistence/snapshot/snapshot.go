// Package snapshot stores checkpoints of the authoritative world so a server
// can resume where it stopped.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const Version = 1

type Header struct {
	Version int   `json:"version" msgpack:"version"`
	Frame   int64 `json:"frame" msgpack:"frame"`
}

type BodyV1 struct {
	ID              uint32     `msgpack:"id"`
	State           uint8      `msgpack:"state"`
	Position        [3]float64 `msgpack:"pos"`
	Rotation        [4]float64 `msgpack:"rot"`
	LinearVelocity  [3]float64 `msgpack:"lv"`
	AngularVelocity [3]float64 `msgpack:"av"`
}

type CheckpointV1 struct {
	Header     Header   `msgpack:"header"`
	TickRateHz int      `msgpack:"tick_rate_hz"`
	Bodies     []BodyV1 `msgpack:"bodies"`
}

// FileName is the name a checkpoint of frame is stored under.
func FileName(frame int64) string { return fmt.Sprintf("%d.snap.zst", frame) }

// WriteCheckpoint writes a zstd stream holding a JSON header line followed by
// the msgpack-encoded checkpoint.
func WriteCheckpoint(path string, cp CheckpointV1) error {
	if cp.Header.Version == 0 {
		cp.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(cp.Header)
	werr := func() error {
		if _, err := bw.Write(hb); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if err := msgpack.NewEncoder(bw).Encode(&cp); err != nil {
			return fmt.Errorf("msgpack encode: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		return enc.Close()
	}()
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, path)
}

func ReadCheckpoint(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return cp, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return cp, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return cp, fmt.Errorf("unsupported checkpoint version %d", h.Version)
	}
	if err := msgpack.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("msgpack decode: %w", err)
	}
	return cp, nil
}

// Latest returns the checkpoint in dir with the highest frame, or "".
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type cand struct {
		frame int64
		path  string
	}
	var cands []cand
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		frame, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{frame, filepath.Join(dir, name)})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].frame > cands[j].frame })
	return cands[0].path
}
