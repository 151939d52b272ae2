package message

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"time"
)

// MaxArticles is the most articles one news packet can carry.
const MaxArticles = 10

// ErrUnsupportedReply is returned by Build for packets that have no passive
// reply form. Such packets can still be delivered with EncodeCustom.
var ErrUnsupportedReply = errors.New("message: packet cannot be sent as a passive reply")

// ErrEmptyNews is returned for a news packet without articles, which the
// platform rejects.
var ErrEmptyNews = errors.New("message: news packet has no articles")

// Packet is one of the outbound packet types in this package.
type Packet interface {
	MsgType() string
}

type TextPacket struct {
	Content string
}

type ImagePacket struct {
	MediaID string
}

type Article struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	URL         string `json:"url" yaml:"url"`
	ImageURL    string `json:"imageUrl" yaml:"imageUrl"`
}

type NewsPacket struct {
	Articles []Article
}

type CardPacket struct {
	CardID string
	// Ext is the card_ext JSON string, already signed by the caller.
	Ext string
}

type MiniProgramPacket struct {
	Title        string
	AppID        string
	Page         string
	ThumbMediaID string
}

func (TextPacket) MsgType() string        { return "text" }
func (ImagePacket) MsgType() string       { return "image" }
func (NewsPacket) MsgType() string        { return "news" }
func (CardPacket) MsgType() string        { return "wxcard" }
func (MiniProgramPacket) MsgType() string { return "miniprogrampage" }

// Reply is a packet addressed back to the sender of an event.
type Reply struct {
	From   string
	To     string
	Packet Packet
}

// ReplyTo addresses p as an answer to ev: the reply comes from the account
// the event was sent to and goes to the user who sent it.
func ReplyTo(ev Event, p Packet) Reply {
	h := ev.Meta()
	return Reply{From: h.To, To: h.From, Packet: p}
}

// truncate keeps the first MaxArticles articles.
func truncate(articles []Article) []Article {
	if len(articles) > MaxArticles {
		return articles[:MaxArticles]
	}
	return articles
}

type cdata struct {
	Value string `xml:",cdata"`
}

type replyDoc struct {
	XMLName      xml.Name    `xml:"xml"`
	ToUserName   cdata       `xml:"ToUserName"`
	FromUserName cdata       `xml:"FromUserName"`
	CreateTime   int64       `xml:"CreateTime"`
	MsgType      cdata       `xml:"MsgType"`
	Content      *cdata      `xml:"Content"`
	Image        *replyImage `xml:"Image"`
	ArticleCount int         `xml:"ArticleCount,omitempty"`
	Articles     *replyItems `xml:"Articles"`
}

type replyImage struct {
	MediaID cdata `xml:"MediaId"`
}

type replyItems struct {
	Items []replyItem `xml:"item"`
}

type replyItem struct {
	Title       cdata `xml:"Title"`
	Description cdata `xml:"Description"`
	PicURL      cdata `xml:"PicUrl"`
	URL         cdata `xml:"Url"`
}

// Build serialises a reply into the platform's passive reply XML. Free text
// is wrapped in CDATA; CreateTime and ArticleCount are plain numbers.
func Build(r Reply, now time.Time) ([]byte, error) {
	doc := replyDoc{
		ToUserName:   cdata{r.To},
		FromUserName: cdata{r.From},
		CreateTime:   now.Unix(),
	}

	switch p := r.Packet.(type) {
	case TextPacket:
		doc.MsgType = cdata{"text"}
		doc.Content = &cdata{p.Content}
	case ImagePacket:
		doc.MsgType = cdata{"image"}
		doc.Image = &replyImage{MediaID: cdata{p.MediaID}}
	case NewsPacket:
		if len(p.Articles) == 0 {
			return nil, fmt.Errorf("build reply: %w", ErrEmptyNews)
		}
		articles := truncate(p.Articles)
		doc.MsgType = cdata{"news"}
		doc.ArticleCount = len(articles)
		items := &replyItems{Items: make([]replyItem, 0, len(articles))}
		for _, a := range articles {
			items.Items = append(items.Items, replyItem{
				Title:       cdata{a.Title},
				Description: cdata{a.Description},
				PicURL:      cdata{a.ImageURL},
				URL:         cdata{a.URL},
			})
		}
		doc.Articles = items
	case nil:
		return nil, fmt.Errorf("build reply: nil packet")
	default:
		// Pointer packets land here too; never call methods on them.
		return nil, fmt.Errorf("build reply %T: %w", p, ErrUnsupportedReply)
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("build reply: %w", err)
	}
	return out, nil
}

// EncodeCustom serialises p as a custom-service message body addressed to
// openID.
func EncodeCustom(openID string, p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode custom message: nil packet")
	}
	body := map[string]any{"touser": openID}
	switch p := p.(type) {
	case TextPacket:
		body["text"] = map[string]string{"content": p.Content}
	case ImagePacket:
		body["image"] = map[string]string{"media_id": p.MediaID}
	case NewsPacket:
		if len(p.Articles) == 0 {
			return nil, fmt.Errorf("encode custom message: %w", ErrEmptyNews)
		}
		articles := make([]map[string]string, 0, MaxArticles)
		for _, a := range truncate(p.Articles) {
			articles = append(articles, map[string]string{
				"title":       a.Title,
				"description": a.Description,
				"url":         a.URL,
				"picurl":      a.ImageURL,
			})
		}
		body["news"] = map[string]any{"articles": articles}
	case CardPacket:
		body["wxcard"] = map[string]string{"card_id": p.CardID, "card_ext": p.Ext}
	case MiniProgramPacket:
		body["miniprogrampage"] = map[string]string{
			"title":          p.Title,
			"appid":          p.AppID,
			"pagepath":       p.Page,
			"thumb_media_id": p.ThumbMediaID,
		}
	default:
		return nil, fmt.Errorf("encode custom message: unsupported packet %T", p)
	}
	body["msgtype"] = p.MsgType()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("encode custom message: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
