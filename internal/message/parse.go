package message

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var errNoRoot = errors.New("message: document root is not <xml>")

// ParseFields reads a flat <xml> document into a map of its scalar child
// elements. Children that contain nested elements are skipped. Values are
// trimmed.
func ParseFields(doc []byte) (map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	fields := make(map[string]string)

	var (
		depth  int
		name   string
		text   strings.Builder
		scalar bool
		root   bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fields, fmt.Errorf("parse message: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if t.Name.Local != "xml" {
					return fields, errNoRoot
				}
				root = true
			case 2:
				name = t.Name.Local
				text.Reset()
				scalar = true
			default:
				scalar = false
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && scalar {
				fields[name] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
	if !root {
		return fields, errNoRoot
	}
	return fields, nil
}

// Parse classifies an inbound document. It never fails: documents that are
// malformed or carry an unrecognised type come back as Unknown.
func Parse(doc []byte) Event {
	fields, err := ParseFields(doc)
	if err != nil {
		return Unknown{}
	}
	return classify(fields)
}

func classify(f map[string]string) Event {
	h := Header{
		From: f["FromUserName"],
		To:   f["ToUserName"],
		Raw:  f,
	}
	if ts, err := strconv.ParseInt(f["CreateTime"], 10, 64); err == nil {
		h.CreatedAt = ts
	}

	switch f["MsgType"] {
	case "text":
		return Text{Header: h, Content: f["Content"]}
	case "image":
		return Image{Header: h, URL: f["PicUrl"], MediaID: f["MediaId"]}
	case "miniprogrampage":
		return MiniProgramPage{
			Header:       h,
			Title:        f["Title"],
			AppID:        f["AppId"],
			Page:         f["PagePath"],
			Image:        f["ThumbUrl"],
			ImageMediaID: f["ThumbMediaId"],
		}
	case "event":
		key := f["EventKey"]
		switch f["Event"] {
		case "subscribe":
			// Follows through a parametric QR code carry "qrscene_<code>".
			return Subscribe{Header: h, QRCode: strings.TrimPrefix(key, "qrscene_")}
		case "unsubscribe":
			return Unsubscribe{Header: h}
		case "SCAN":
			return Scan{Header: h, QRCode: key}
		case "ENTER", "user_enter_tempsession":
			return EnterSession{Header: h, Session: f["SessionFrom"]}
		case "CLICK":
			return MenuClick{Header: h, Key: key}
		case "VIEW":
			return MenuView{Header: h, URL: key}
		}
	}
	return Unknown{Header: h}
}
