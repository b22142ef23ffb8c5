package domain

// MessageBus routes inbound requests to the pipeline and formatted responses
// back to delivery channels.
type MessageBus interface {
	Publish(req InboundRequest)
	Subscribe() <-chan InboundRequest
	Deliver(channelName string, responses []FormattedResponse)
	OnDeliver(channelName string, handler func([]FormattedResponse))
	Close()
}
