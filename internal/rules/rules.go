// Package rules loads declarative auto-reply rules from YAML and registers
// them as dispatch handlers.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"wxgate/internal/dispatch"
	"wxgate/internal/message"
)

// File is the top-level document of a rules file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Rule replies to events of one kind whose subject matches.
type Rule struct {
	Name string `yaml:"name"`
	On   string `yaml:"on"`
	// Apps limits the rule to these app ids. Empty means every account.
	Apps  []string `yaml:"apps,omitempty"`
	Match Match    `yaml:"match,omitempty"`
	Reply Reply    `yaml:"reply"`
}

// Match tests an event's subject. All set conditions must hold; an empty
// Match accepts every event.
type Match struct {
	Equals   string `yaml:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Regex    string `yaml:"regex,omitempty"`
}

// Reply is exactly one packet.
type Reply struct {
	Text  string            `yaml:"text,omitempty"`
	Image string            `yaml:"image,omitempty"`
	News  []message.Article `yaml:"news,omitempty"`
}

func (m Match) empty() bool {
	return m.Equals == "" && m.Contains == "" && m.Prefix == "" && m.Regex == ""
}

// Packet converts the reply to an outbound packet.
func (r Reply) Packet() (message.Packet, error) {
	var (
		p message.Packet
		n int
	)
	if r.Text != "" {
		p, n = message.TextPacket{Content: r.Text}, n+1
	}
	if r.Image != "" {
		p, n = message.ImagePacket{MediaID: r.Image}, n+1
	}
	if len(r.News) > 0 {
		p, n = message.NewsPacket{Articles: r.News}, n+1
	}
	if n != 1 {
		return nil, fmt.Errorf("reply must set exactly one of text, image, news")
	}
	return p, nil
}

// Subject returns the part of an event rules match against.
func Subject(ev message.Event) string {
	switch e := ev.(type) {
	case message.Text:
		return e.Content
	case message.Image:
		return e.URL
	case message.MiniProgramPage:
		return e.Title
	case message.Subscribe:
		return e.QRCode
	case message.Scan:
		return e.QRCode
	case message.EnterSession:
		return e.Session
	case message.MenuClick:
		return e.Key
	case message.MenuView:
		return e.URL
	}
	return ""
}

type compiled struct {
	rule   Rule
	kind   message.Kind
	re     *regexp.Regexp
	packet message.Packet
	apps   map[string]bool
}

func compile(r Rule) (*compiled, error) {
	kind, ok := message.ParseKind(r.On)
	if !ok {
		return nil, fmt.Errorf("rule %q: unknown event kind %q", r.Name, r.On)
	}
	p, err := r.Reply.Packet()
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	c := &compiled{rule: r, kind: kind, packet: p}
	if r.Match.Regex != "" {
		if c.re, err = regexp.Compile(r.Match.Regex); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	if len(r.Apps) > 0 {
		c.apps = make(map[string]bool, len(r.Apps))
		for _, a := range r.Apps {
			c.apps[a] = true
		}
	}
	return c, nil
}

func (c *compiled) matches(appID, subject string) bool {
	if c.apps != nil && !c.apps[appID] {
		return false
	}
	m := c.rule.Match
	if m.empty() {
		return true
	}
	if m.Equals != "" && subject != m.Equals {
		return false
	}
	if m.Contains != "" && !strings.Contains(subject, m.Contains) {
		return false
	}
	if m.Prefix != "" && !strings.HasPrefix(subject, m.Prefix) {
		return false
	}
	if c.re != nil && !c.re.MatchString(subject) {
		return false
	}
	return true
}

func (c *compiled) handler() dispatch.Handler {
	return func(ctx context.Context, ev message.Event) message.Packet {
		if !c.matches(dispatch.AppID(ctx), Subject(ev)) {
			return nil
		}
		return c.packet
	}
}

// Parse decodes and checks a rules document.
func Parse(data []byte) ([]Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range f.Rules {
		if f.Rules[i].Name == "" {
			f.Rules[i].Name = fmt.Sprintf("rule-%d", i+1)
		}
		if _, err := compile(f.Rules[i]); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

// Load reads rules from a YAML file, or from every .yaml/.yml file of a
// directory in name order. A missing path yields no rules.
func Load(path string, logger *slog.Logger) ([]Rule, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Debug("rules path does not exist, skipping", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat rules: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules dir: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			files = append(files, filepath.Join(path, name))
		}
		sort.Strings(files)
	}

	var all []Rule
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read rules file %s: %w", f, err)
		}
		rs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		logger.Info("loaded reply rules", "path", f, "count", len(rs))
		all = append(all, rs...)
	}
	return all, nil
}

// Register adds one handler per rule, in order, and returns their ids.
func Register(reg *dispatch.Registry, rules []Rule) ([]string, error) {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			return ids, err
		}
		ids = append(ids, reg.On(c.kind, c.handler()))
	}
	return ids, nil
}
