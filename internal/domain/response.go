package domain

// ResponseFormat is the rendering applied to a formatted response.
type ResponseFormat string

const (
	FormatPlain      ResponseFormat = "plain"
	FormatMarkdown   ResponseFormat = "markdown"
	FormatHTML       ResponseFormat = "html"
	FormatCode       ResponseFormat = "code"
	FormatStructured ResponseFormat = "structured"
)

// DeliveryMode hints how the delivery layer should send a response.
type DeliveryMode string

const (
	DeliverImmediate   DeliveryMode = "immediate"
	DeliverBatched     DeliveryMode = "batched"
	DeliverProgressive DeliveryMode = "progressive"
	DeliverStreaming   DeliveryMode = "streaming"
)

// deliveryRank orders modes for output sorting. Lower sends first.
var deliveryRank = map[DeliveryMode]int{
	DeliverImmediate:   0,
	DeliverBatched:     1,
	DeliverProgressive: 2,
	DeliverStreaming:   3,
}

// Rank returns the sort position of a delivery mode.
func (m DeliveryMode) Rank() int {
	if r, ok := deliveryRank[m]; ok {
		return r
	}
	return len(deliveryRank)
}

// MediaAttachment is a media payload attached to a formatted response.
type MediaAttachment struct {
	Kind    string // photo | document | audio | video
	URL     string
	Path    string
	Caption string
}

// FormattedResponse is one delivery-ready unit. A single AgentResult may
// expand into an ordered sequence of these.
type FormattedResponse struct {
	Text          string
	Format        ResponseFormat
	Media         []MediaAttachment
	ChatID        string
	ReplyTo       string
	PartIndex     int // 1-based when part of a split, 0 otherwise
	PartTotal     int
	Continued     bool // true when a later part follows
	Delivery      DeliveryMode
	Readability   float64
	FormatQuality float64
	Metadata      map[string]string
}
