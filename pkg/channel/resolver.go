package channel

// segment is one entry of a channelization table: the first and last
// 20 MHz member frequency and the center channel index.
type segment struct {
	first, last, center int
}

func (s segment) contains(freq int) bool {
	return freq >= s.first && freq <= s.last
}

var (
	bw40Table = append([]segment{
		{5180, 5200, 38}, {5220, 5240, 46}, {5260, 5280, 54}, {5300, 5320, 62},
		{5500, 5520, 102}, {5540, 5560, 110}, {5580, 5600, 118}, {5620, 5640, 126},
		{5660, 5680, 134}, {5700, 5720, 142}, {5745, 5765, 151}, {5785, 5805, 159},
		{5825, 5845, 167}, {5865, 5885, 175},
	}, sixGHz(40, 29, 3, 8)...)

	bw80Table = append([]segment{
		{5180, 5240, 42}, {5260, 5320, 58}, {5500, 5560, 106}, {5580, 5640, 122},
		{5660, 5720, 138}, {5745, 5805, 155}, {5825, 5885, 171},
	}, sixGHz(80, 14, 7, 16)...)

	bw160Table = append([]segment{
		{5180, 5320, 50}, {5500, 5640, 114}, {5745, 5885, 163},
	}, sixGHz(160, 7, 15, 32)...)

	// 320 MHz channels overlap: 320-1 and 320-2 channelizations interleave.
	bw320Table = []segment{
		{5955, 6255, 31}, {6115, 6415, 63}, {6275, 6575, 95},
		{6435, 6735, 127}, {6595, 6895, 159}, {6755, 7055, 191},
	}
)

// sixGHz generates the regular 6 GHz channelization for a width.
func sixGHz(width, n, firstCenter, centerStep int) []segment {
	out := make([]segment, 0, n)
	for i := 0; i < n; i++ {
		first := 5955 + i*width
		out = append(out, segment{
			first:  first,
			last:   first + width - 20,
			center: firstCenter + i*centerStep,
		})
	}
	return out
}

func segmentTable(bw Bandwidth) []segment {
	switch bw {
	case BW40:
		return bw40Table
	case BW80, BW80P80:
		return bw80Table
	case BW160:
		return bw160Table
	case BW320:
		return bw320Table
	}
	return nil
}

// findSegment returns the table entry holding primary. A non-zero center
// selects among overlapping entries; otherwise an entry anchored at primary
// is preferred over one merely containing it.
func findSegment(primary int, bw Bandwidth, center int) (segment, bool) {
	var found segment
	ok := false
	for _, s := range segmentTable(bw) {
		if !s.contains(primary) {
			continue
		}
		if center != 0 {
			if s.center == center {
				return s, true
			}
			continue
		}
		if s.first == primary {
			return s, true
		}
		if !ok {
			found, ok = s, true
		}
	}
	return found, ok
}

// Anchors returns the first member frequency of every segment of the
// given width in the band. The 20 MHz anchors are every channel, so nil
// is returned and the caller iterates the table instead.
func Anchors(band Band, bw Bandwidth) []int {
	if band == Band2G || bw == BW20 {
		return nil
	}
	var out []int
	for _, s := range segmentTable(bw) {
		if b, _ := BandOfFreq(s.first); b == band {
			out = append(out, s.first)
		}
	}
	return out
}

// IsAnchor reports whether freq is the lowest member of a segment of bw.
func IsAnchor(freq int, bw Bandwidth) bool {
	if bw == BW20 {
		return true
	}
	for _, s := range segmentTable(bw) {
		if s.first == freq {
			return true
		}
	}
	return false
}

// MemberChannels returns the 20 MHz member frequencies of the segment that
// holds the primary, in ascending order. For 80+80 only the primary 80 MHz
// segment is returned. ok is false when the combination is not part of
// the channelization.
func MemberChannels(band Band, primary int, bw Bandwidth, offset int) ([]int, bool) {
	return memberChannels(band, primary, bw, offset, 0)
}

func memberChannels(band Band, primary int, bw Bandwidth, offset, center int) ([]int, bool) {
	if b, ok := BandOfFreq(primary); !ok || b != band {
		return nil, false
	}
	if bw == BW20 {
		return []int{primary}, true
	}
	if band == Band2G {
		if bw != BW40 || !legal2GHT40(primary, offset) {
			return nil, false
		}
		sec := primary + 20*offset
		if sec < primary {
			return []int{sec, primary}, true
		}
		return []int{primary, sec}, true
	}
	seg, ok := findSegment(primary, bw, center)
	if !ok {
		return nil, false
	}
	if bw == BW40 && offset != 0 && offset != secondaryOffset(seg, primary) {
		return nil, false
	}
	out := make([]int, 0, bw.SegmentChannels())
	for f := seg.first; f <= seg.last; f += 20 {
		out = append(out, f)
	}
	return out, true
}

// secondaryOffset is +1 when primary is the lower channel of a 40 MHz pair.
func secondaryOffset(seg segment, primary int) int {
	if primary == seg.first {
		return 1
	}
	return -1
}

func legal2GHT40(primary, offset int) bool {
	ch, ok := FreqToChannel(primary)
	if !ok || ch == 14 {
		return false
	}
	switch offset {
	case 1:
		return ch+4 <= 13
	case -1:
		return ch-4 >= 1
	}
	return false
}

// SecondaryOffset derives the HT40 secondary channel offset for a primary
// operating at bw. It is 0 for 20 MHz and for unknown combinations.
func SecondaryOffset(band Band, primary int, bw Bandwidth) int {
	if bw == BW20 {
		return 0
	}
	if band == Band2G {
		if legal2GHT40(primary, 1) {
			return 1
		}
		if legal2GHT40(primary, -1) {
			return -1
		}
		return 0
	}
	seg, ok := findSegment(primary, BW40, 0)
	if !ok {
		return 0
	}
	return secondaryOffset(seg, primary)
}

// CenterSegments returns the segment 0 and segment 1 center channel indices.
// seg1Primary is any 20 MHz member frequency of the second 80 MHz segment
// and is only consulted for 80+80.
func CenterSegments(band Band, primary int, bw Bandwidth, offset, seg1Primary int) (seg0, seg1 int, ok bool) {
	ch, ok := FreqToChannel(primary)
	if !ok {
		return 0, 0, false
	}
	switch {
	case bw == BW20:
		return ch, 0, true
	case band == Band2G:
		if bw != BW40 || !legal2GHT40(primary, offset) {
			return 0, 0, false
		}
		return ch + 2*offset, 0, true
	}
	seg, found := findSegment(primary, bw, 0)
	if !found {
		return 0, 0, false
	}
	if bw == BW40 && offset != 0 && offset != secondaryOffset(seg, primary) {
		return 0, 0, false
	}
	if bw != BW80P80 {
		return seg.center, 0, true
	}
	other, found := findSegment(seg1Primary, BW80, 0)
	if !found || other == seg {
		return 0, 0, false
	}
	return seg.center, other.center, true
}

// IsPrimaryLegal reports whether primary may be the primary channel of a
// bw-wide channel in band. An offset of 0 accepts either HT40 direction.
func IsPrimaryLegal(band Band, primary int, bw Bandwidth, offset int) bool {
	if b, ok := BandOfFreq(primary); !ok || b != band {
		return false
	}
	if bw == BW20 {
		return true
	}
	if band == Band2G {
		if bw != BW40 {
			return false
		}
		if offset == 0 {
			return legal2GHT40(primary, 1) || legal2GHT40(primary, -1)
		}
		return legal2GHT40(primary, offset)
	}
	seg, ok := findSegment(primary, bw, 0)
	if !ok {
		return false
	}
	if bw == BW40 && offset != 0 {
		return offset == secondaryOffset(seg, primary)
	}
	return true
}

// CenterFreq converts a center channel index in band to MHz.
func CenterFreq(band Band, idx int) int {
	if idx == 0 {
		return 0
	}
	return ChannelToFreq(band, idx)
}
