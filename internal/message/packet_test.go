package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Unix(1700000100, 0)

func TestBuild_Text(t *testing.T) {
	out, err := Build(Reply{From: "gh_account", To: "o_user", Packet: TextPacket{Content: "pong"}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, want := range []string{
		"<ToUserName><![CDATA[o_user]]></ToUserName>",
		"<FromUserName><![CDATA[gh_account]]></FromUserName>",
		"<CreateTime>1700000100</CreateTime>",
		"<MsgType><![CDATA[text]]></MsgType>",
		"<Content><![CDATA[pong]]></Content>",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %s", want, s)
		}
	}
	if !strings.HasPrefix(s, "<xml>") || !strings.HasSuffix(s, "</xml>") {
		t.Errorf("expected <xml> root, got %s", s)
	}
}

func TestBuild_TextMarkupStaysInCDATA(t *testing.T) {
	out, err := Build(Reply{Packet: TextPacket{Content: `<a href="x">go</a> & more`}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `<Content><![CDATA[<a href="x">go</a> & more]]></Content>`) {
		t.Errorf("markup should be carried verbatim in CDATA: %s", out)
	}
}

func TestBuild_Image(t *testing.T) {
	out, err := Build(Reply{Packet: ImagePacket{MediaID: "media-1"}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "<Image><MediaId><![CDATA[media-1]]></MediaId></Image>") {
		t.Errorf("unexpected image reply: %s", out)
	}
	if strings.Contains(string(out), "<Content>") {
		t.Error("image reply should not carry Content")
	}
}

func TestBuild_News(t *testing.T) {
	out, err := Build(Reply{Packet: NewsPacket{Articles: []Article{
		{Title: "T1", Description: "D1", URL: "http://u1", ImageURL: "http://i1"},
		{Title: "T2"},
	}}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, "<ArticleCount>2</ArticleCount>") {
		t.Errorf("expected ArticleCount 2: %s", s)
	}
	if !strings.Contains(s, "<item><Title><![CDATA[T1]]></Title><Description><![CDATA[D1]]></Description><PicUrl><![CDATA[http://i1]]></PicUrl><Url><![CDATA[http://u1]]></Url></item>") {
		t.Errorf("unexpected first item: %s", s)
	}
}

func TestBuild_NewsTruncatedToTen(t *testing.T) {
	articles := make([]Article, 15)
	for i := range articles {
		articles[i] = Article{Title: fmt.Sprintf("A%02d", i)}
	}
	out, err := Build(Reply{Packet: NewsPacket{Articles: articles}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if n := strings.Count(s, "<item>"); n != 10 {
		t.Errorf("expected 10 items, got %d", n)
	}
	if !strings.Contains(s, "<ArticleCount>10</ArticleCount>") {
		t.Error("expected ArticleCount 10")
	}
	if !strings.Contains(s, "A09") || strings.Contains(s, "A10") {
		t.Error("expected the first ten articles")
	}
}

func TestBuild_Unsupported(t *testing.T) {
	for _, p := range []Packet{CardPacket{CardID: "c"}, MiniProgramPacket{AppID: "a"}} {
		if _, err := Build(Reply{Packet: p}, fixedNow); !errors.Is(err, ErrUnsupportedReply) {
			t.Errorf("%T: expected ErrUnsupportedReply, got %v", p, err)
		}
	}
	if _, err := Build(Reply{}, fixedNow); err == nil {
		t.Error("nil packet should fail")
	}
}

func TestBuild_PointerPacketDoesNotPanic(t *testing.T) {
	var p *TextPacket
	if _, err := Build(Reply{Packet: p}, fixedNow); !errors.Is(err, ErrUnsupportedReply) {
		t.Errorf("expected ErrUnsupportedReply for %T, got %v", p, err)
	}
	if _, err := EncodeCustom("o_user", p); err == nil {
		t.Error("typed nil packet should fail to encode")
	}
}

func TestBuild_EmptyNews(t *testing.T) {
	if _, err := Build(Reply{Packet: NewsPacket{}}, fixedNow); !errors.Is(err, ErrEmptyNews) {
		t.Errorf("expected ErrEmptyNews, got %v", err)
	}
	if _, err := EncodeCustom("o_user", NewsPacket{Articles: []Article{}}); !errors.Is(err, ErrEmptyNews) {
		t.Errorf("expected ErrEmptyNews from EncodeCustom, got %v", err)
	}
}

func TestBuild_SingleArticleHasCount(t *testing.T) {
	out, err := Build(Reply{Packet: NewsPacket{Articles: []Article{{Title: "t"}}}}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "<ArticleCount>1</ArticleCount>") {
		t.Errorf("missing ArticleCount in %s", out)
	}
}

func TestReplyTo_SwapsAddressing(t *testing.T) {
	ev := Text{Header: Header{From: "o_user", To: "gh_account"}}
	r := ReplyTo(ev, TextPacket{Content: "x"})
	if r.From != "gh_account" || r.To != "o_user" {
		t.Errorf("expected swapped addressing, got %+v", r)
	}
}

func TestEncodeCustom(t *testing.T) {
	cases := []struct {
		packet Packet
		key    string
	}{
		{TextPacket{Content: "<b>hi</b>"}, "text"},
		{ImagePacket{MediaID: "m"}, "image"},
		{NewsPacket{Articles: []Article{{Title: "t"}}}, "news"},
		{CardPacket{CardID: "c", Ext: `{"code":""}`}, "wxcard"},
		{MiniProgramPacket{Title: "t", AppID: "wxa", Page: "p", ThumbMediaID: "m"}, "miniprogrampage"},
	}
	for _, c := range cases {
		out, err := EncodeCustom("o_user", c.packet)
		if err != nil {
			t.Fatalf("%T: %v", c.packet, err)
		}
		var body map[string]any
		if err := json.Unmarshal(out, &body); err != nil {
			t.Fatalf("%T: invalid json %s", c.packet, out)
		}
		if body["touser"] != "o_user" || body["msgtype"] != c.key {
			t.Errorf("%T: unexpected envelope %v", c.packet, body)
		}
		if _, ok := body[c.key]; !ok {
			t.Errorf("%T: missing %q section", c.packet, c.key)
		}
	}
}

func TestEncodeCustom_NoHTMLEscaping(t *testing.T) {
	out, _ := EncodeCustom("u", TextPacket{Content: "<b>"})
	if !strings.Contains(string(out), `"content":"<b>"`) {
		t.Errorf("expected raw markup, got %s", out)
	}
}

func TestEncodeCustom_NewsTruncated(t *testing.T) {
	out, err := EncodeCustom("u", NewsPacket{Articles: make([]Article, 12)})
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		News struct {
			Articles []map[string]string `json:"articles"`
		} `json:"news"`
	}
	if err := json.Unmarshal(out, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.News.Articles) != MaxArticles {
		t.Errorf("expected %d articles, got %d", MaxArticles, len(body.News.Articles))
	}
}
