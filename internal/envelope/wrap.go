package envelope

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"wxgate/internal/signature"
)

type cdata struct {
	Value string `xml:",cdata"`
}

// Inbound is the body of an encrypted delivery.
type Inbound struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AppID      string   `xml:"AppId"`
	Encrypt    string   `xml:"Encrypt"`
}

// ParseInbound extracts the Encrypt field from an encrypted delivery body.
func ParseInbound(body []byte) (*Inbound, error) {
	var in Inbound
	if err := xml.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	in.Encrypt = strings.TrimSpace(in.Encrypt)
	if in.Encrypt == "" {
		return nil, fmt.Errorf("parse envelope: empty Encrypt")
	}
	return &in, nil
}

type sealed struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    int64    `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// Seal encrypts a reply and wraps it with the content signature over
// {token, timestamp, nonce, encrypt}.
func (c *Cipher) Seal(reply []byte, token string, timestamp int64, nonce string) ([]byte, error) {
	enc, err := c.Encrypt(reply)
	if err != nil {
		return nil, err
	}
	stamp := strconv.FormatInt(timestamp, 10)
	out, err := xml.Marshal(sealed{
		Encrypt:      cdata{enc},
		MsgSignature: cdata{signature.Compute(token, stamp, nonce, enc)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}
