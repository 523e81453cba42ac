package envelope

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into headers sorted by name.
func FromWatermill(md message.Metadata) Headers {
	return FromMap(md)
}

// ToWatermill converts headers into Watermill metadata. Watermill metadata is a
// map, so only the first value of a duplicated name survives.
func ToWatermill(headers Headers) message.Metadata {
	return message.Metadata(headers.ToMap())
}
