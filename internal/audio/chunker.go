package audio

import "encoding/binary"

// Chunker re-blocks an arbitrary PCM16 byte stream into fixed-duration
// chunks. The streaming provider requires chunks between 50ms and 1000ms;
// ffmpeg delivers reads of whatever size the pipe happens to produce.
type Chunker struct {
	chunkBytes int
	buf        []byte
}

// NewChunker creates a chunker producing chunks of chunkMs milliseconds of
// 16-bit audio at the given sample rate and channel count. Parameters that
// would yield an empty chunk fall back to a minimal 2-byte chunk so Push can
// always make progress.
func NewChunker(sampleRate, channels, chunkMs int) *Chunker {
	chunkBytes := sampleRate * channels * 2 * chunkMs / 1000
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	return &Chunker{
		chunkBytes: chunkBytes,
		buf:        make([]byte, 0, chunkBytes*2),
	}
}

// ChunkBytes returns the size of a full chunk in bytes
func (c *Chunker) ChunkBytes() int {
	return c.chunkBytes
}

// Push appends data to the internal buffer and returns all complete chunks
// now available. Returned slices are copies; callers may retain them.
func (c *Chunker) Push(data []byte) [][]byte {
	c.buf = append(c.buf, data...)

	var chunks [][]byte
	for len(c.buf) >= c.chunkBytes {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.buf[:c.chunkBytes])
		chunks = append(chunks, chunk)
		c.buf = c.buf[c.chunkBytes:]
	}
	return chunks
}

// Flush returns any buffered partial chunk and clears the buffer
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	rest := make([]byte, len(c.buf))
	copy(rest, c.buf)
	c.buf = c.buf[:0]
	return rest
}

// AmplitudeFrame reduces a PCM16-LE chunk to a small byte array of peak
// amplitudes (one byte per bucket, 0-255) for level-meter visualization.
func AmplitudeFrame(chunk []byte, buckets int) []byte {
	samples := len(chunk) / 2
	if samples == 0 || buckets <= 0 {
		return nil
	}
	if buckets > samples {
		buckets = samples
	}

	frame := make([]byte, buckets)
	perBucket := samples / buckets
	for b := 0; b < buckets; b++ {
		var peak int
		for s := b * perBucket; s < (b+1)*perBucket; s++ {
			v := int(int16(binary.LittleEndian.Uint16(chunk[s*2 : s*2+2])))
			if v < 0 {
				v = -v
			}
			if v > 32767 {
				v = 32767
			}
			if v > peak {
				peak = v
			}
		}
		frame[b] = byte(peak >> 7) // scale 0..32767 down to 0..255
	}
	return frame
}
