// Package vpn provides VPN profile acquisition and connection lifecycle management.
// This file contains the Profile type.
package vpn

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/yllada/ovpn-launcher/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// profileNamespace seeds name-derived profile IDs.
var profileNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/yllada/ovpn-launcher/profile"))

// Directive is one configuration statement. Inline blocks such as
// <ca>...</ca> have Block set and their body in Inline.
type Directive struct {
	Name   string   `json:"name" yaml:"name"`
	Args   []string `json:"args,omitempty" yaml:"args,omitempty"`
	Block  bool     `json:"block,omitempty" yaml:"block,omitempty"`
	Inline string   `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// Remote is a server endpoint named by a "remote" directive.
type Remote struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Proto string `json:"proto,omitempty"`
}

// DefaultPort is used for remotes that do not name one.
const DefaultPort = 1194

// Profile is a parsed, persisted connection description.
// Profiles are identified by Name; saving a profile replaces any
// earlier profile with the same name.
type Profile struct {
	// ID is derived from Name, so re-acquiring a name keeps its ID.
	ID string `json:"id" yaml:"id"`
	// Name is the display name and the storage key.
	Name     string `json:"name" yaml:"name"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	// Password never appears in JSON output.
	Password string `json:"-" yaml:"password,omitempty"`
	// Directives are the statements handed to the tunnel engine.
	Directives []Directive `json:"directives" yaml:"directives"`
	// Source describes where the configuration was acquired from.
	Source  string    `json:"source,omitempty" yaml:"source,omitempty"`
	Created time.Time `json:"created" yaml:"created"`
}

// ProfileDefaults are stamped onto freshly parsed profiles.
type ProfileDefaults struct {
	// Name is the profile name. Empty means the device model.
	Name     string
	Username string
	Password string
}

// ProfileID returns the stable ID for a profile name.
func ProfileID(name string) string {
	return uuid.NewSHA1(profileNamespace, []byte(name)).String()
}

// Stamp fills in the fields a configuration document does not carry:
// name, ID, creation time, source, and placeholder credentials when the
// document had none of its own.
func (p *Profile) Stamp(d ProfileDefaults, src ConfigSource, now time.Time) {
	p.Name = d.Name
	if p.Name == "" {
		p.Name = common.DeviceModel()
	}
	p.ID = ProfileID(p.Name)
	if p.Username == "" {
		p.Username = d.Username
		p.Password = d.Password
	}
	p.Source = src.String()
	p.Created = now.UTC()
}

// Remotes returns the endpoints named by remote directives, in order.
func (p *Profile) Remotes() []Remote {
	var out []Remote
	for _, d := range p.Directives {
		if d.Name != "remote" || d.Block || len(d.Args) == 0 {
			continue
		}
		r := Remote{Host: d.Args[0], Port: DefaultPort}
		if len(d.Args) > 1 {
			if port, err := strconv.Atoi(d.Args[1]); err == nil {
				r.Port = port
			}
		}
		if len(d.Args) > 2 {
			r.Proto = d.Args[2]
		}
		out = append(out, r)
	}
	return out
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Directives != nil {
		c.Directives = make([]Directive, len(p.Directives))
		for i, d := range p.Directives {
			if d.Args != nil {
				d.Args = append([]string(nil), d.Args...)
			}
			c.Directives[i] = d
		}
	}
	return &c
}

// Render writes the directives back out as configuration text.
func (p *Profile) Render() string {
	var b strings.Builder
	for _, d := range p.Directives {
		if d.Block {
			b.WriteString("<" + d.Name + ">\n")
			if d.Inline != "" {
				b.WriteString(d.Inline)
				if !strings.HasSuffix(d.Inline, "\n") {
					b.WriteByte('\n')
				}
			}
			b.WriteString("</" + d.Name + ">\n")
			continue
		}
		b.WriteString(d.Name)
		for _, a := range d.Args {
			b.WriteByte(' ')
			b.WriteString(quoteArg(a))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\#;") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// ToJSON converts the profile to a JSON string without its password.
// Useful for debugging and logging.
func (p *Profile) ToJSON() string {
	data, _ := json.MarshalIndent(p, "", "  ")
	return string(data)
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	if len(p.Remotes()) == 0 {
		return errors.New("profile has no remote")
	}
	return nil
}
