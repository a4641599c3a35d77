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
	"io"
	"sync"
)

// zlibSuffix is the zlib flush suffix that Discord sends at the end of compressed messages.
// This indicates the end of a complete zlib-compressed payload.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// zlibReaderWrapper wraps a zlib.Reader with a reusable buffer.
// This allows the reader to be reused across multiple decompressions,
// avoiding the allocation overhead of creating new readers. inBytes and
// outBytes accumulate across the wrapper's whole checkout (one gateway
// connection's worth of frames), so a shard can log how much a
// zlib-stream session actually shrank its traffic when it disconnects.
type zlibReaderWrapper struct {
	reader   io.ReadCloser
	buf      bytes.Buffer
	inBytes  int64
	outBytes int64
}

// Stats reports the cumulative compressed-in/decompressed-out byte
// counts observed since the wrapper was last acquired.
func (w *zlibReaderWrapper) Stats() (in, out int64) {
	return w.inBytes, w.outBytes
}

// zlibReaderPool provides reusable zlib readers for decompressing
// gateway messages. Using a pool prevents memory spikes during
// high-traffic events by recycling decompressor instances.
var zlibReaderPool = sync.Pool{
	New: func() any {
		return &zlibReaderWrapper{
			buf: bytes.Buffer{},
		}
	},
}

// AcquireZlibReader gets a zlib reader wrapper from the pool.
func AcquireZlibReader() *zlibReaderWrapper {
	return zlibReaderPool.Get().(*zlibReaderWrapper)
}

// ReleaseZlibReader returns a zlib reader wrapper to the pool.
func ReleaseZlibReader(w *zlibReaderWrapper) {
	if w == nil {
		return
	}
	// Close the reader if open
	if w.reader != nil {
		w.reader.Close()
		w.reader = nil
	}
	// Reset the buffer and counters
	w.buf.Reset()
	w.inBytes = 0
	w.outBytes = 0
	zlibReaderPool.Put(w)
}

// Decompress decompresses zlib-compressed data from the gateway.
// Returns the decompressed data as a byte slice.
//
// The wrapper's internal buffer is used to accumulate compressed data
// until a complete message (ending with zlibSuffix) is received.
func (w *zlibReaderWrapper) Decompress(data []byte) ([]byte, error) {
	// Write incoming data to buffer
	w.buf.Write(data)
	w.inBytes += int64(len(data))

	// Check if we have a complete message (ends with zlib suffix)
	if !bytes.HasSuffix(w.buf.Bytes(), zlibSuffix) {
		// Incomplete message, wait for more data
		return nil, nil
	}

	// Create or reset the zlib reader
	if w.reader == nil {
		reader, err := zlib.NewReader(&w.buf)
		if err != nil {
			return nil, err
		}
		w.reader = reader
	} else {
		// Reset for new decompression
		if resetter, ok := w.reader.(zlib.Resetter); ok {
			if err := resetter.Reset(&w.buf, nil); err != nil {
				return nil, err
			}
		}
	}

	// Read decompressed data
	// A frame ends at a sync flush rather than at the end of the stream,
	// so the reader running out of buffered input reports ErrUnexpectedEOF
	// after returning everything the frame carried.
	decompressed, err := io.ReadAll(w.reader)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	// Clear buffer for next message
	w.buf.Reset()
	w.outBytes += int64(len(decompressed))

	return decompressed, nil
}
