package vpn

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ovpn-launcher/common"
)

// twelveLineConfig is a minimal but complete client configuration.
const twelveLineConfig = `client
dev tun
proto udp
remote vpn.example.com 1194
resolv-retry infinite
nobind
persist-key
persist-tun
cipher AES-256-GCM
verb 3
<ca>
</ca>`

const inlineConfig = `# exported by the server
client
dev tun
remote a.example.com 443 tcp
remote b.example.com
; a comment
auth-user-pass
tls-auth "my key.key" 1 # trailing comment
<ca>
-----BEGIN CERTIFICATE-----
MIIB
-----END CERTIFICATE-----
</ca>
<auth-user-pass>
alice
s3cret
</auth-user-pass>
`

func TestParse_TwelveLineConfig(t *testing.T) {
	p, err := OpenVPNParser{}.Parse(twelveLineConfig)
	require.NoError(t, err)

	assert.Len(t, p.Directives, 11)
	assert.Equal(t, []Remote{{Host: "vpn.example.com", Port: 1194}}, p.Remotes())
	assert.Empty(t, p.Username)
	last := p.Directives[10]
	assert.Equal(t, "ca", last.Name)
	assert.True(t, last.Block)
	assert.Empty(t, last.Inline)
	assert.Nil(t, p.Directives[0].Args)
}

func TestParse_InlineBlocksAndCredentials(t *testing.T) {
	p, err := OpenVPNParser{}.Parse(inlineConfig)
	require.NoError(t, err)

	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "s3cret", p.Password)
	assert.Equal(t, []Remote{
		{Host: "a.example.com", Port: 443, Proto: "tcp"},
		{Host: "b.example.com", Port: DefaultPort},
	}, p.Remotes())

	names := make([]string, 0, len(p.Directives))
	for _, d := range p.Directives {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"client", "dev", "remote", "remote", "tls-auth", "ca"}, names)
	assert.Equal(t, []string{"my key.key", "1"}, p.Directives[4].Args)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----", p.Directives[5].Inline)
}

func TestParse_ConnectionBlock(t *testing.T) {
	p, err := OpenVPNParser{}.Parse("client\n<connection>\nremote c.example.com 1195 udp\n</connection>\n")
	require.NoError(t, err)
	assert.Equal(t, []Remote{{Host: "c.example.com", Port: 1195, Proto: "udp"}}, p.Remotes())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		line   int
		reason string
	}{
		{"empty", "", 0, "empty configuration"},
		{"comments only", "# nothing\n; here\n", 0, "empty configuration"},
		{"no remote", "client\ndev tun\n", 0, "no remote directive"},
		{"unterminated block", "remote a\n<ca>\nabc\n", 2, "unterminated <ca> block"},
		{"stray close", "remote a\n</ca>\n", 2, "unexpected closing tag </ca>"},
		{"bad port", "remote a.example.com http\n", 1, `invalid remote port "http"`},
		{"remote without host", "remote\n", 1, "remote needs a host"},
		{"open quote", "remote a\ntls-auth \"ta.key 1\n", 2, "unterminated quote"},
		{"short credentials", "remote a\n<auth-user-pass>\nbob\n</auth-user-pass>\n", 2, "inline auth-user-pass needs a username and a password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenVPNParser{}.Parse(tt.text)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrParse)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.line, pe.Line)
			assert.Equal(t, tt.reason, pe.Reason)
		})
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"remote host 1194", []string{"remote", "host", "1194"}},
		{"  spaced\t\targs  ", []string{"spaced", "args"}},
		{`a "b c" 'd e'`, []string{"a", "b c", "d e"}},
		{`a "say \"hi\""`, []string{"a", `say "hi"`}},
		{`a b\ c`, []string{"a", "b c"}},
		{"a b # comment", []string{"a", "b"}},
		{"a b#notcomment", []string{"a", "b#notcomment"}},
		{`a "#quoted"`, []string{"a", "#quoted"}},
	}
	for _, tt := range tests {
		got, err := splitArgs(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestProfile_RenderParsesBack(t *testing.T) {
	p, err := OpenVPNParser{}.Parse(inlineConfig)
	require.NoError(t, err)

	again, err := OpenVPNParser{}.Parse(p.Render())
	require.NoError(t, err)
	assert.Equal(t, p.Directives, again.Directives)
	assert.NotContains(t, p.Render(), "s3cret")
}

func TestProfile_Stamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	p, err := OpenVPNParser{}.Parse(twelveLineConfig)
	require.NoError(t, err)
	p.Stamp(ProfileDefaults{Name: "Pixel 8", Username: "vpn", Password: "vpn"}, LocalFile("/tmp/a.ovpn"), now)

	assert.Equal(t, "Pixel 8", p.Name)
	assert.Equal(t, ProfileID("Pixel 8"), p.ID)
	assert.Equal(t, "vpn", p.Username)
	assert.Equal(t, "vpn", p.Password)
	assert.Equal(t, "file:/tmp/a.ovpn", p.Source)
	assert.Equal(t, now.UTC(), p.Created)

	// Inline credentials win over placeholders.
	q, err := OpenVPNParser{}.Parse(inlineConfig)
	require.NoError(t, err)
	q.Stamp(ProfileDefaults{Name: "Pixel 8", Username: "vpn", Password: "vpn"}, InlineText(inlineConfig), now)
	assert.Equal(t, "alice", q.Username)
	assert.Equal(t, "s3cret", q.Password)
	assert.Equal(t, p.ID, q.ID, "IDs are stable per name")
}

func TestProfile_StampDefaultsToDeviceModel(t *testing.T) {
	p := &Profile{}
	p.Stamp(ProfileDefaults{}, InlineText("x"), time.Now())
	assert.Equal(t, common.DeviceModel(), p.Name)
}

func TestProfile_CloneIsDeep(t *testing.T) {
	p, err := OpenVPNParser{}.Parse(inlineConfig)
	require.NoError(t, err)

	c := p.Clone()
	assert.Equal(t, p, c)
	c.Directives[2].Args[0] = "changed"
	assert.Equal(t, "a.example.com", p.Directives[2].Args[0])

	assert.Nil(t, (*Profile)(nil).Clone())
}

func TestProfile_ToJSONOmitsPassword(t *testing.T) {
	p := &Profile{Name: "x", Username: "u", Password: "hunter2"}
	out := p.ToJSON()
	assert.Contains(t, out, `"username": "u"`)
	assert.NotContains(t, out, "hunter2")
}

func TestProfile_Validate(t *testing.T) {
	assert.Error(t, (&Profile{}).Validate())
	assert.Error(t, (&Profile{Name: "x"}).Validate())
	assert.NoError(t, (&Profile{Name: "x", Directives: []Directive{{Name: "remote", Args: []string{"h"}}}}).Validate())
}

func TestConfigSource_Validate(t *testing.T) {
	tests := []struct {
		src   ConfigSource
		valid bool
	}{
		{RemoteURL("https://example.com/a.ovpn"), true},
		{RemoteURL("http://10.0.0.1:8080/cfg"), true},
		{RemoteURL("ftp://example.com/a.ovpn"), false},
		{RemoteURL("::not a url"), false},
		{RemoteURL("https://"), false},
		{LocalFile("/etc/openvpn/a.ovpn"), true},
		{LocalFile("  "), false},
		{InlineText(""), true},
		{ConfigSource{}, false},
	}
	for _, tt := range tests {
		err := tt.src.Validate()
		if tt.valid {
			assert.NoError(t, err, tt.src.String())
		} else {
			assert.ErrorIs(t, err, common.ErrInvalidSource, tt.src.String())
		}
	}
	assert.Equal(t, "inline:3 bytes", InlineText("abc").String())
}
