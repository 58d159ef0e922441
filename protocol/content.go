package protocol

import (
	"encoding/json"
	"fmt"
)

// Content is one element of a tool result, prompt message, or sampling
// message: text, an image, or an embedded resource reference.
type Content interface {
	contentType() string
}

// TextContent is plain text content.
type TextContent struct {
	Text string
}

func (TextContent) contentType() string { return "text" }

// MarshalJSON emits the tagged wire form.
func (c TextContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{"text", c.Text})
}

// ImageContent is base64-encoded image data with a MIME type.
type ImageContent struct {
	Data     string
	MimeType string
}

func (ImageContent) contentType() string { return "image" }

// MarshalJSON emits the tagged wire form.
func (c ImageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}{"image", c.Data, c.MimeType})
}

// EmbeddedResource references resource contents inline.
type EmbeddedResource struct {
	Resource ResourceContents
}

func (EmbeddedResource) contentType() string { return "resource" }

// MarshalJSON emits the tagged wire form.
func (c EmbeddedResource) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string           `json:"type"`
		Resource ResourceContents `json:"resource"`
	}{"resource", c.Resource})
}

// ResourceContents is one value returned by a resource read: text or a
// base64-encoded blob, tagged with the originating URI and MIME type.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// DecodeContent parses one tagged content part.
func DecodeContent(raw json.RawMessage) (Content, error) {
	var tag struct {
		Type     string           `json:"type"`
		Text     string           `json:"text"`
		Data     string           `json:"data"`
		MimeType string           `json:"mimeType"`
		Resource ResourceContents `json:"resource"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case "text":
		return TextContent{Text: tag.Text}, nil
	case "image":
		return ImageContent{Data: tag.Data, MimeType: tag.MimeType}, nil
	case "resource":
		return EmbeddedResource{Resource: tag.Resource}, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", tag.Type)
	}
}

// ContentList is an ordered list of content parts with sum-type decoding.
type ContentList []Content

// UnmarshalJSON decodes each element by its type tag.
func (l *ContentList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentList, 0, len(raws))
	for _, raw := range raws {
		c, err := DecodeContent(raw)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

// Text is a convenience constructor for a single-element text content list.
func Text(s string) ContentList {
	return ContentList{TextContent{Text: s}}
}
