package ha

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"grimm.is/vrouter/internal/desired"
	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/fileedit"
)

// authPassLen is the longest secret VRRP authentication accepts.
const authPassLen = 8

// VRRPConfig is what the keepalived configuration is rendered from.
type VRRPConfig struct {
	RouterID  string
	Password  string
	AdvertInt int
	Interface string
	VIPs      []desired.VirtualIP
	// Notify is the agent binary keepalived calls on a state change.
	Notify string
}

// AuthPass returns the password truncated to what VRRP carries.
func (c VRRPConfig) AuthPass() string {
	if len(c.Password) > authPassLen {
		return c.Password[:authPassLen]
	}
	return c.Password
}

// VIPLine renders one virtual_ipaddress entry.
func VIPLine(v desired.VirtualIP) string {
	return fmt.Sprintf("%s brd %s dev %s", v.Prefix, v.Broadcast, v.Device)
}

const keepalivedTemplate = `! keepalived configuration (managed by vragent)

global_defs {
	router_id {{.RouterID}}
}

vrrp_instance inside_network {
	state BACKUP
	interface {{.Interface}}
	virtual_router_id 51
	nopreempt
	advert_int {{.AdvertInt}}

	authentication {
		auth_type AH
		auth_pass {{.AuthPass}}
	}

	virtual_ipaddress {
	}

	notify_backup "{{.Notify}} backup"
	notify_master "{{.Notify}} master"
	notify_fault "{{.Notify}} fault"
}
`

var keepalivedTmpl = template.Must(template.New("keepalived").Parse(keepalivedTemplate))

// RenderKeepalived brings f in line with cfg. An empty file is seeded from
// the stock layout; an existing one only has the managed lines rewritten,
// so operator additions elsewhere survive.
func RenderKeepalived(f *fileedit.File, cfg VRRPConfig) error {
	if f.Empty() {
		var buf bytes.Buffer
		if err := keepalivedTmpl.Execute(&buf, cfg); err != nil {
			return errors.Wrap(err, errors.KindInternal, "render keepalived template")
		}
		f.Reset(strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n"))
	}

	edits := []struct{ pattern, line string }{
		{`^\s*router_id\s`, "\trouter_id " + cfg.RouterID},
		{`^\s*interface\s`, "\tinterface " + cfg.Interface},
		{`^\s*advert_int\s`, fmt.Sprintf("\tadvert_int %d", cfg.AdvertInt)},
	}
	for _, e := range edits {
		if _, err := f.SearchReplace(e.pattern, e.line); err != nil {
			return err
		}
	}

	if !f.ReplaceSection("authentication {", []string{"auth_type AH", "auth_pass " + cfg.AuthPass()}) {
		return errors.Errorf(errors.KindValidation, "%s has no authentication block", f.Path)
	}
	vips := make([]string, 0, len(cfg.VIPs))
	for _, v := range cfg.VIPs {
		vips = append(vips, VIPLine(v))
	}
	if !f.ReplaceSection("virtual_ipaddress {", vips) {
		return errors.Errorf(errors.KindValidation, "%s has no virtual_ipaddress block", f.Path)
	}
	return nil
}
