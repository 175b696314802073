package audio

// Resample converts interleaved samples from inRate to outRate using linear
// interpolation per channel. It returns the input slice unchanged when the
// rates already match.
func Resample(in []float32, channels, inRate, outRate int) []float32 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || channels <= 0 {
		return in
	}
	inFrames := len(in) / channels
	if inFrames == 0 {
		return nil
	}

	outFrames := inFrames * outRate / inRate
	out := make([]float32, outFrames*channels)
	step := float64(inRate) / float64(outRate)

	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := float32(pos - float64(idx))

		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for c := 0; c < channels; c++ {
			a := in[idx*channels+c]
			b := in[next*channels+c]
			out[i*channels+c] = a + (b-a)*frac
		}
	}
	return out
}

// remixChannels converts interleaved samples between channel counts:
// mono fans out to every output channel, multichannel averages down to
// mono, and matching counts pass through.
func remixChannels(in []float32, inCh, outCh int) []float32 {
	if inCh == outCh || inCh <= 0 || outCh <= 0 {
		return in
	}
	frames := len(in) / inCh
	out := make([]float32, frames*outCh)

	switch {
	case inCh == 1:
		for i := 0; i < frames; i++ {
			for c := 0; c < outCh; c++ {
				out[i*outCh+c] = in[i]
			}
		}
	case outCh == 1:
		for i := 0; i < frames; i++ {
			var sum float32
			for c := 0; c < inCh; c++ {
				sum += in[i*inCh+c]
			}
			out[i] = sum / float32(inCh)
		}
	default:
		// Arbitrary N-to-M: downmix to mono, then fan out.
		return remixChannels(remixChannels(in, inCh, 1), 1, outCh)
	}
	return out
}
