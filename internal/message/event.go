// Package message converts between the platform's flat XML wire format and
// typed inbound events and outbound packets.
package message

// Kind classifies an inbound event for dispatch.
type Kind string

const (
	KindText            Kind = "text"
	KindImage           Kind = "image"
	KindMiniProgramPage Kind = "miniprogrampage"
	KindSubscribe       Kind = "subscribe"
	KindUnsubscribe     Kind = "unsubscribe"
	KindScan            Kind = "qr"
	KindEnterSession    Kind = "enter"
	KindMenuClick       Kind = "menu_click"
	KindMenuView        Kind = "menu_view"
	KindUnknown         Kind = "unknown"

	// KindDefault receives events no kind-specific handler replied to.
	KindDefault Kind = "default"
)

// Kinds lists every kind a handler can be registered for.
var Kinds = []Kind{
	KindText, KindImage, KindMiniProgramPage, KindSubscribe, KindUnsubscribe,
	KindScan, KindEnterSession, KindMenuClick, KindMenuView, KindUnknown, KindDefault,
}

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Header is carried by every event.
type Header struct {
	From      string
	To        string
	CreatedAt int64
	// Raw holds every scalar field of the document, including those mapped
	// onto typed fields.
	Raw map[string]string
}

// Meta returns the common event header.
func (h Header) Meta() Header { return h }

// Field returns a raw field by its XML element name.
func (h Header) Field(name string) string { return h.Raw[name] }

// Event is one of the concrete event types in this package.
type Event interface {
	Kind() Kind
	Meta() Header
}

type Text struct {
	Header
	Content string
}

type Image struct {
	Header
	URL     string
	MediaID string
}

type MiniProgramPage struct {
	Header
	Title        string
	AppID        string
	Page         string
	Image        string
	ImageMediaID string
}

// Subscribe is a follow. QRCode is set when the follow came from a
// parametric QR code.
type Subscribe struct {
	Header
	QRCode string
}

type Unsubscribe struct {
	Header
}

type Scan struct {
	Header
	QRCode string
}

type EnterSession struct {
	Header
	Session string
}

type MenuClick struct {
	Header
	Key string
}

type MenuView struct {
	Header
	URL string
}

// Unknown is any document that did not map to a known event, including
// documents that failed to parse.
type Unknown struct {
	Header
}

func (Text) Kind() Kind            { return KindText }
func (Image) Kind() Kind           { return KindImage }
func (MiniProgramPage) Kind() Kind { return KindMiniProgramPage }
func (Subscribe) Kind() Kind       { return KindSubscribe }
func (Unsubscribe) Kind() Kind     { return KindUnsubscribe }
func (Scan) Kind() Kind            { return KindScan }
func (EnterSession) Kind() Kind    { return KindEnterSession }
func (MenuClick) Kind() Kind       { return KindMenuClick }
func (MenuView) Kind() Kind        { return KindMenuView }
func (Unknown) Kind() Kind         { return KindUnknown }
