package state

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"grimm.is/vrouter/internal/errors"
)

// BucketDataBags holds every desired-state document, keyed by bag name.
const BucketDataBags = "databags"

// Bag names.
const (
	BagIPs           = "ips"
	BagCmdLine       = "cmd_line"
	BagGuestNetwork  = "guestnetwork"
	BagStaticRoutes  = "staticroutes"
	BagDHCPEntry     = "dhcpentry"
	BagBGPPeers      = "bgppeers"
	bagIDField       = "id"
	defaultAdvertInt = 1
)

// Bags is the load/save-by-key contract over the store.
type Bags struct {
	store Store
}

// NewBags wraps a store.
func NewBags(store Store) *Bags {
	return &Bags{store: store}
}

// Load decodes bag key into v. A missing bag returns ErrNotFound.
func (b *Bags) Load(key string, v interface{}) error {
	return b.store.GetJSON(BucketDataBags, key, v)
}

// Save encodes v as bag key.
func (b *Bags) Save(key string, v interface{}) error {
	return b.store.SetJSON(BucketDataBags, key, v)
}

// Import stores a raw JSON document after checking it is a JSON object.
func (b *Bags) Import(key string, data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrapf(err, errors.KindInvalidDesired, "bag %s is not a JSON object", key)
	}
	return b.store.Set(BucketDataBags, key, data)
}

// loadDevices decodes a bag shaped as {"id": ..., "<key>": <T>, ...}.
// A missing bag is empty.
func loadDevices[T any](b *Bags, key string) (map[string]T, error) {
	var raw map[string]json.RawMessage
	if err := b.Load(key, &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]T{}, nil
		}
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for k, v := range raw {
		if k == bagIDField {
			continue
		}
		var t T
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, errors.Attr(errors.Wrapf(err, errors.KindInvalidDesired, "bag %s entry %s", key, k), "bag", key)
		}
		out[k] = t
	}
	return out, nil
}

// IPEntry is one address record of the ips bag.
type IPEntry struct {
	PublicIP         string   `json:"public_ip"`
	Netmask          string   `json:"netmask,omitempty"`
	Gateway          string   `json:"gateway,omitempty"`
	Broadcast        string   `json:"broadcast,omitempty"`
	Device           string   `json:"device,omitempty"`
	NetworkType      string   `json:"nw_type,omitempty"`
	Add              FlexBool `json:"add"`
	SourceNat        FlexBool `json:"source_nat,omitempty"`
	IsPrivateGateway FlexBool `json:"is_private_gateway,omitempty"`
}

// IPs returns the ips bag per device.
func (b *Bags) IPs() (map[string][]IPEntry, error) {
	return loadDevices[[]IPEntry](b, BagIPs)
}

// GuestNetwork is one entry of the guestnetwork bag.
type GuestNetwork struct {
	Gateway string   `json:"router_guest_gateway"`
	CIDR    string   `json:"cidr"`
	DNS     string   `json:"dns,omitempty"`
	Domain  string   `json:"domain_name,omitempty"`
	Add     FlexBool `json:"add"`
}

// DNSServers splits the comma separated dns field.
func (g GuestNetwork) DNSServers() []string {
	var out []string
	for _, s := range strings.Split(g.DNS, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GuestNetworks returns the guestnetwork bag per device.
func (b *Bags) GuestNetworks() (map[string]GuestNetwork, error) {
	return loadDevices[GuestNetwork](b, BagGuestNetwork)
}

// StaticRoute is one entry of the staticroutes bag.
type StaticRoute struct {
	Network string   `json:"network"`
	Gateway string   `json:"gateway"`
	Revoke  FlexBool `json:"revoke"`
}

// StaticRoutes returns the staticroutes bag sorted by network.
func (b *Bags) StaticRoutes() ([]StaticRoute, error) {
	m, err := loadDevices[StaticRoute](b, BagStaticRoutes)
	if err != nil {
		return nil, err
	}
	out := make([]StaticRoute, 0, len(m))
	for k, r := range m {
		if r.Network == "" {
			r.Network = k
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out, nil
}

// CmdLine is the appliance identity and redundancy configuration. Keys the
// agent does not model are kept in Extra and written back unchanged.
type CmdLine struct {
	Type            string
	RedundantRouter bool
	RouterID        string
	RouterPassword  string
	AdvertInt       int
	RedundantState  string
	RedundantMaster bool

	Extra map[string]json.RawMessage
}

type cmdLineJSON struct {
	Type            string   `json:"type"`
	RedundantRouter FlexBool `json:"redundant_router"`
	RouterID        string   `json:"router_id,omitempty"`
	RouterPassword  string   `json:"router_password,omitempty"`
	AdvertInt       FlexInt  `json:"advert_int,omitempty"`
	RedundantState  string   `json:"redundant_state,omitempty"`
	RedundantMaster FlexBool `json:"redundant_master"`
}

var cmdLineKeys = map[string]bool{
	"type": true, "redundant_router": true, "router_id": true, "router_password": true,
	"advert_int": true, "redundant_state": true, "redundant_master": true,
}

func (c *CmdLine) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var j cmdLineJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*c = CmdLine{
		Type:            j.Type,
		RedundantRouter: bool(j.RedundantRouter),
		RouterID:        j.RouterID,
		RouterPassword:  j.RouterPassword,
		AdvertInt:       int(j.AdvertInt),
		RedundantState:  j.RedundantState,
		RedundantMaster: bool(j.RedundantMaster),
	}
	for k, v := range raw {
		if cmdLineKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
	return nil
}

func (c CmdLine) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(cmdLineJSON{
		Type:            c.Type,
		RedundantRouter: FlexBool(c.RedundantRouter),
		RouterID:        c.RouterID,
		RouterPassword:  c.RouterPassword,
		AdvertInt:       FlexInt(c.AdvertInt),
		RedundantState:  c.RedundantState,
		RedundantMaster: FlexBool(c.RedundantMaster),
	})
	if err != nil || len(c.Extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Role returns the appliance type, "router" when unset.
func (c *CmdLine) Role() string {
	if c.Type == "" {
		return "router"
	}
	return c.Type
}

// Advert returns the VRRP advertisement interval in seconds.
func (c *CmdLine) Advert() int {
	if c.AdvertInt <= 0 {
		return defaultAdvertInt
	}
	return c.AdvertInt
}

// CmdLine loads the cmd_line bag. A missing bag yields a non-redundant router.
func (b *Bags) CmdLine() (*CmdLine, error) {
	var c CmdLine
	if err := b.Load(BagCmdLine, &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &CmdLine{}, nil
		}
		return nil, err
	}
	return &c, nil
}

// SaveCmdLine persists the cmd_line bag.
func (b *Bags) SaveCmdLine(c *CmdLine) error {
	return b.Save(BagCmdLine, c)
}

// DerivePassword fills RouterPassword from the router id when it is missing.
// It reports whether the bag changed and needs saving.
func DerivePassword(c *CmdLine) bool {
	if c.RouterPassword != "" || c.RouterID == "" {
		return false
	}
	sum := blake2b.Sum256([]byte(c.RouterID))
	c.RouterPassword = hex.EncodeToString(sum[:])
	return true
}

// FlexBool decodes JSON booleans and the strings "true"/"false".
type FlexBool bool

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		*f = true
	case "false", "0", "no", "", "null":
		*f = false
	default:
		return errors.Errorf(errors.KindInvalidDesired, "not a boolean: %s", data)
	}
	return nil
}

// FlexInt decodes JSON numbers and numeric strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errors.Errorf(errors.KindInvalidDesired, "not an integer: %s", data)
	}
	*f = FlexInt(n)
	return nil
}

// Keys lists the stored bag names.
func (b *Bags) Keys() ([]string, error) {
	m, err := b.store.List(BucketDataBags)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
