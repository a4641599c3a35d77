/************************************************************************************
 *
 * wyvern, a Go SDK core for the Discord gateway and REST rate limiter
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 wyvern contributors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyvern

import (
	"bytes"
	"compress/zlib"
	"testing"
)

func compressForTest(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		t.Fatal(err)
	}
	// Flush, not Close: a gateway frame ends at a sync flush, whose output
	// ends in the 00 00 ff ff suffix Decompress waits for.
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestZlibReaderWrapper_DecompressAccumulatesUntilSuffix(t *testing.T) {
	wrapper := AcquireZlibReader()
	defer ReleaseZlibReader(wrapper)

	compressed := compressForTest(t, []byte(`{"op":0,"t":"READY"}`))

	out, err := wrapper.Decompress(compressed[:len(compressed)-2])
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected nil while the zlib flush suffix has not arrived yet")
	}

	out, err = wrapper.Decompress(compressed[len(compressed)-2:])
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"op":0,"t":"READY"}` {
		t.Fatalf("unexpected decompressed payload: %s", out)
	}

	in, outBytes := wrapper.Stats()
	if in != int64(len(compressed)) {
		t.Fatalf("expected inBytes to equal the compressed input length %d, got %d", len(compressed), in)
	}
	if outBytes != int64(len(out)) {
		t.Fatalf("expected outBytes to equal the decompressed length %d, got %d", len(out), outBytes)
	}
}

func TestReleaseZlibReader_ResetsStatsForNextCheckout(t *testing.T) {
	wrapper := AcquireZlibReader()
	compressed := compressForTest(t, []byte("hello"))
	if _, err := wrapper.Decompress(compressed); err != nil {
		t.Fatal(err)
	}

	ReleaseZlibReader(wrapper)

	reused := AcquireZlibReader()
	defer ReleaseZlibReader(reused)
	in, out := reused.Stats()
	if in != 0 || out != 0 {
		t.Fatalf("expected a released wrapper's stats to reset before reuse, got in=%d out=%d", in, out)
	}
}
