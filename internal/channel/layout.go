package channel

import (
	"encoding/binary"
	"unicode/utf16"
)

// Field capacities in UTF-16 code units.
const (
	URLCapacity       = 1024
	ImagePathCapacity = 1024
	CookiesCapacity   = 4096
	HTMLCapacity      = 8 * 1024 * 1024
)

const (
	offURLReady     = 0
	offHTMLReady    = 4
	offCookiesReady = 8
	offImageReady   = 12
	offOwner        = 16
	offURL          = 20
	offImagePath    = offURL + URLCapacity*2
	offCookies      = offImagePath + ImagePathCapacity*2
	offHTML         = offCookies + CookiesCapacity*2

	// RecordSize is the byte size of the shared segment.
	RecordSize = offHTML + HTMLCapacity*2
)

type Flag int

const (
	URLReady Flag = iota
	HTMLReady
	CookiesReady
	ImageReady
)

var flagOffsets = [...]int{
	URLReady:     offURLReady,
	HTMLReady:    offHTMLReady,
	CookiesReady: offCookiesReady,
	ImageReady:   offImageReady,
}

type Field int

const (
	URL Field = iota
	ImagePath
	Cookies
	HTML
)

type textField struct {
	off      int
	capacity int
	ready    Flag
}

var fields = [...]textField{
	URL:       {offURL, URLCapacity, URLReady},
	ImagePath: {offImagePath, ImagePathCapacity, ImageReady},
	Cookies:   {offCookies, CookiesCapacity, CookiesReady},
	HTML:      {offHTML, HTMLCapacity, HTMLReady},
}

func (f Field) String() string {
	switch f {
	case URL:
		return "url"
	case ImagePath:
		return "image_path"
	case Cookies:
		return "cookies"
	case HTML:
		return "html"
	default:
		return "unknown"
	}
}

// Record is a view over the mapped segment. It is only valid while the channel
// mutex is held.
type Record struct {
	buf []byte
}

func (r *Record) Flag(f Flag) bool {
	return binary.LittleEndian.Uint32(r.buf[flagOffsets[f]:]) != 0
}

func (r *Record) SetFlag(f Flag, v bool) {
	var n uint32
	if v {
		n = 1
	}
	binary.LittleEndian.PutUint32(r.buf[flagOffsets[f]:], n)
}

func (r *Record) Owner() uint32 {
	return binary.LittleEndian.Uint32(r.buf[offOwner:])
}

func (r *Record) SetOwner(pid uint32) {
	binary.LittleEndian.PutUint32(r.buf[offOwner:], pid)
}

// Text decodes a field up to its first NUL.
func (r *Record) Text(f Field) string {
	tf := fields[f]
	area := r.buf[tf.off : tf.off+tf.capacity*2]
	units := make([]uint16, 0, 64)
	for i := 0; i+1 < len(area); i += 2 {
		u := binary.LittleEndian.Uint16(area[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// SetText zeroes the field and stores s truncated to capacity-1 code units.
// It reports whether s was truncated.
func (r *Record) SetText(f Field, s string) bool {
	tf := fields[f]
	area := r.buf[tf.off : tf.off+tf.capacity*2]
	clear(area)
	units := utf16.Encode([]rune(s))
	truncated := false
	if len(units) > tf.capacity-1 {
		units = units[:tf.capacity-1]
		// do not leave half of a surrogate pair behind
		if last := units[len(units)-1]; last >= 0xd800 && last < 0xdc00 {
			units = units[:len(units)-1]
		}
		truncated = true
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(area[i*2:], u)
	}
	return truncated
}

// Reset zeroes the whole record.
func (r *Record) Reset() {
	clear(r.buf)
}

// Snapshot is the reduced copy of the record used by the poller. It never carries
// cookies or HTML.
type Snapshot struct {
	URLReady     bool
	HTMLReady    bool
	CookiesReady bool
	ImageReady   bool
	Owner        uint32
	URL          string
	ImagePath    string
}

func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		URLReady:     r.Flag(URLReady),
		HTMLReady:    r.Flag(HTMLReady),
		CookiesReady: r.Flag(CookiesReady),
		ImageReady:   r.Flag(ImageReady),
		Owner:        r.Owner(),
		URL:          r.Text(URL),
		ImagePath:    r.Text(ImagePath),
	}
}
