package ha

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"grimm.is/vrouter/internal/errors"
	"grimm.is/vrouter/internal/fileedit"
)

// SyncConfig is what the conntrackd configuration is rendered from.
type SyncConfig struct {
	MulticastGroup string
	Port           int
	// SyncIP is this router's own address on Interface.
	SyncIP    string
	Interface string
}

const socketBuffer = 1249280

const conntrackdTemplate = `#
# conntrackd configuration (managed by vragent)
#

Sync {
	Mode FTFW {
		DisableExternalCache Off
		CommitTimeout 1800
		PurgeTimeout 5
	}

	Multicast {
	}
}

General {
	Nice -20
	HashSize 32768
	HashLimit 131072
	LogFile /var/log/conntrackd.log
	Syslog on
	LockFile /var/lock/conntrackd.lock

	UNIX {
		Path /var/run/conntrackd.ctl
		Backlog 20
	}

	NetlinkBufferSize 2097152
	NetlinkBufferSizeMaxGrowth 8388608

	Filter From Userspace {
		Protocol Accept {
			TCP
			UDP
			ICMP
		}
		Address Ignore {
			IPv4_address 127.0.0.1
			IPv4_address {{.SyncIP}}
		}
	}
}
`

var conntrackdTmpl = template.Must(template.New("conntrackd").Parse(conntrackdTemplate))

// RenderConntrackd brings f in line with cfg, seeding an empty file first.
func RenderConntrackd(f *fileedit.File, cfg SyncConfig) error {
	if f.Empty() {
		var buf bytes.Buffer
		if err := conntrackdTmpl.Execute(&buf, cfg); err != nil {
			return errors.Wrap(err, errors.KindInternal, "render conntrackd template")
		}
		f.Reset(strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n"))
	}

	multicast := []string{
		"IPv4_address " + cfg.MulticastGroup,
		fmt.Sprintf("Group %d", cfg.Port),
		"IPv4_interface " + cfg.SyncIP,
		"Interface " + cfg.Interface,
		fmt.Sprintf("SndSocketBuffer %d", socketBuffer),
		fmt.Sprintf("RcvSocketBuffer %d", socketBuffer),
		"Checksum on",
	}
	if !f.ReplaceSection("Multicast {", multicast) {
		return errors.Errorf(errors.KindValidation, "%s has no Multicast block", f.Path)
	}
	if !f.ReplaceSection("Address Ignore {", []string{"IPv4_address 127.0.0.1", "IPv4_address " + cfg.SyncIP}) {
		return errors.Errorf(errors.KindValidation, "%s has no Address Ignore block", f.Path)
	}
	return nil
}
