package gemini

// The live agent backend speaks linear PCM (16 kHz up, 24 kHz down) while the
// telephony leg is mulaw 8 kHz. The conversion is a vendor concern and stays
// inside this connector; the relay session still forwards opaque base64.

var muLawTable = buildMuLawTable()

func buildMuLawTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		mulaw := ^byte(i)
		sign := mulaw & 0x80
		exponent := (mulaw >> 4) & 0x07
		mantissa := mulaw & 0x0F

		sample := int16(mantissa)<<3 + 0x84
		sample <<= exponent
		sample -= 0x84

		if sign != 0 {
			sample = -sample
		}
		table[i] = sample
	}
	return table
}

func linearToMuLaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int16(0x4000); (sample&mask) == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}

	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// muLaw8kToPCM16k decodes mulaw and doubles each sample for the 16 kHz input
// the backend expects.
func muLaw8kToPCM16k(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*4)
	for i, mu := range mulaw {
		sample := muLawTable[mu]
		lo := byte(sample & 0xFF)
		hi := byte((sample >> 8) & 0xFF)
		pcm[i*4] = lo
		pcm[i*4+1] = hi
		pcm[i*4+2] = lo
		pcm[i*4+3] = hi
	}
	return pcm
}

// pcm24kToMuLaw8k keeps every third sample and encodes to mulaw.
func pcm24kToMuLaw8k(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, 0, samples/3)
	for i := 0; i+2 < samples; i += 3 {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out = append(out, linearToMuLaw(sample))
	}
	return out
}
