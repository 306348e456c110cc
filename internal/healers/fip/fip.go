// Package fip is a reference healer: it demonstrates the plugin contract
// end to end by watching floating-ip CREATE events and making sure the
// corresponding znode exists in the downstream ZooKeeper coordination
// store. It is a worked example the daemon can register, not a dependency
// the core ships with by default.
package fip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cloudwatt/contrail-healer-go/internal/config"
	"github.com/cloudwatt/contrail-healer-go/internal/healer"
	"github.com/cloudwatt/contrail-healer-go/internal/registry"
)

// ConfigFile is the INI file name this healer declares, resolved by
// internal/config under /etc/contrail-healer or ~/.config/contrail-healer.
const ConfigFile = "fip-healer.conf"

// ErrResourceNotFound is returned by a ResourceClient when the resource no
// longer exists; the healer treats that as nothing left to heal.
var ErrResourceNotFound = errors.New("fip: resource not found")

// ResourceClient is the narrow slice of the external resource-model client
// this healer needs: fetch a resource's attribute map by UUID or by
// fully-qualified name. The production client talking to the control
// plane's API server lives outside the core; callers inject their own
// implementation.
type ResourceClient interface {
	FetchByUUID(ctx context.Context, resourceType, uuid string) (map[string]any, error)
	FetchByFQName(ctx context.Context, resourceType, fqName string) (map[string]any, error)
}

// zkClient is the slice of *zk.Conn this healer drives; narrowed to an
// interface so tests can substitute a fake coordination store.
type zkClient interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
}

// Config is fip-healer.conf's [default] section.
type Config struct {
	ZKServers      []string
	PublicVNFQName string
}

// LoadConfig resolves fip-healer.conf via internal/config's healer search
// path and parses its [default] section.
func LoadConfig() (Config, error) {
	f, path, err := config.LoadHealerConfig(ConfigFile)
	if err != nil {
		return Config{}, err
	}
	section := f.Section("default")
	servers := section.Key("zk_server").String()
	fqname := section.Key("public_vn_fqname").String()
	if servers == "" || fqname == "" {
		return Config{}, fmt.Errorf("fip: %s missing zk_server or public_vn_fqname", path)
	}
	return Config{
		ZKServers:      strings.Split(servers, ","),
		PublicVNFQName: fqname,
	}, nil
}

// Healer checks that a floating IP's znode exists under the public virtual
// network's subnet tree, and creates it when missing.
type Healer struct {
	client ResourceClient
	zk     zkClient

	vnUUID   string
	vnFQName string
	subnets  []*net.IPNet
}

// zkDial opens the ZooKeeper connection used by New. It's a package
// variable, not a direct zk.Connect call, so tests can substitute a fake
// coordination store when exercising Register/New through the registry.
var zkDial = func(servers []string, sessionTimeout time.Duration) (zkClient, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// loadConfig resolves fip-healer.conf; overridden in tests that register a
// factory without touching disk.
var loadConfig = LoadConfig

// New connects to the ZooKeeper ensemble in cfg, resolves the public
// virtual network named by cfg.PublicVNFQName, and parses its subnet pool.
func New(ctx context.Context, cfg Config, client ResourceClient) (*Healer, error) {
	conn, err := zkDial(cfg.ZKServers, time.Second)
	if err != nil {
		return nil, fmt.Errorf("fip: connect to zookeeper %v: %w", cfg.ZKServers, err)
	}
	return newWithClients(ctx, cfg, client, conn)
}

// Register adds the fip healer factory to the registry's named extension
// point under the name "fip". fip-healer.conf is only resolved, and
// ZooKeeper only dialed, once registry.Build actually instantiates "fip" —
// Register itself does no I/O. client resolves resources by uuid or
// fully-qualified name; see ResourceClient.
func Register(client ResourceClient) {
	registry.Register("fip", func() (healer.Healer, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return New(context.Background(), cfg, client)
	})
}

func newWithClients(ctx context.Context, cfg Config, client ResourceClient, zkc zkClient) (*Healer, error) {
	vn, err := client.FetchByFQName(ctx, "virtual-network", cfg.PublicVNFQName)
	if err != nil {
		return nil, fmt.Errorf("fip: fetch public vn %s: %w", cfg.PublicVNFQName, err)
	}
	subnets, err := parseSubnets(vn)
	if err != nil {
		return nil, fmt.Errorf("fip: parse subnets for %s: %w", cfg.PublicVNFQName, err)
	}
	uuid, _ := vn["uuid"].(string)
	return &Healer{
		client:   client,
		zk:       zkc,
		vnUUID:   uuid,
		vnFQName: cfg.PublicVNFQName,
		subnets:  subnets,
	}, nil
}

func parseSubnets(vn map[string]any) ([]*net.IPNet, error) {
	refs, _ := vn["network_ipam_refs"].([]any)
	if len(refs) == 0 {
		return nil, fmt.Errorf("no network_ipam_refs")
	}
	ref, _ := refs[0].(map[string]any)
	attr, _ := ref["attr"].(map[string]any)
	ipamSubnets, _ := attr["ipam_subnets"].([]any)

	var out []*net.IPNet
	for _, s := range ipamSubnets {
		entry, _ := s.(map[string]any)
		subnet, _ := entry["subnet"].(map[string]any)
		prefix, _ := subnet["ip_prefix"].(string)
		length, ok := subnet["ip_prefix_len"].(float64)
		if prefix == "" || !ok {
			continue
		}
		_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", prefix, int(length)))
		if err != nil {
			continue
		}
		out = append(out, ipnet)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable subnets")
	}
	return out, nil
}

// Descriptor declares this healer subscribes to floating-ip CREATE events,
// with a 2s check delay so the API server has a chance to finish its own
// allocation before the znode is inspected.
func (h *Healer) Descriptor() healer.Descriptor {
	return healer.Descriptor{
		ResourceType:    "floating-ip",
		Operations:      map[healer.Operation]bool{healer.Create: true},
		CheckDelay:      2,
		MaxCheckRetries: 3,
		ConfigFile:      ConfigFile,
	}
}

// Check verifies the floating IP's znode exists under its subnet's path in
// ZooKeeper. A resource that no longer exists is OK (nothing to heal); a
// floating IP outside every known subnet is a Retry (the subnet pool may
// not have caught up yet); otherwise existence of the znode is the verdict.
func (h *Healer) Check(ctx context.Context, op healer.Operation, ref healer.Reference) (healer.Verdict, error) {
	attrs, err := h.resolve(ctx, ref)
	if errors.Is(err, ErrResourceNotFound) {
		return healer.Verdict{Kind: healer.OK}, nil
	}
	if err != nil {
		return healer.Verdict{}, err
	}

	addr, _ := attrs["floating_ip_address"].(string)
	ip := net.ParseIP(addr)
	if ip == nil {
		return healer.Verdict{}, fmt.Errorf("fip: invalid floating_ip_address %q", addr)
	}

	subnet := h.subnetFor(ip)
	if subnet == nil {
		return healer.Verdict{Kind: healer.Retry}, nil
	}

	znode := h.znodeFor(ip, subnet)
	exists, _, err := h.zk.Exists(znode)
	if err != nil {
		return healer.Verdict{}, fmt.Errorf("fip: zk exists %s: %w", znode, err)
	}
	if exists {
		return healer.Verdict{Kind: healer.OK}, nil
	}
	return healer.Verdict{Kind: healer.NotOK, FixArgs: []any{znode, h.vnUUID}}, nil
}

// Fix creates the missing znode (and any missing parents), storing the
// public VN's uuid as its payload.
func (h *Healer) Fix(ctx context.Context, args ...any) error {
	if len(args) != 2 {
		return fmt.Errorf("fip: fix expects (znode, data), got %d args", len(args))
	}
	znode, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("fip: fix znode arg must be a string")
	}
	data, _ := args[1].(string)
	return h.createRecursive(znode, []byte(data))
}

func (h *Healer) resolve(ctx context.Context, ref healer.Reference) (map[string]any, error) {
	if ref.UUID != "" {
		attrs, err := h.client.FetchByUUID(ctx, "floating-ip", ref.UUID)
		if err != nil {
			return nil, err
		}
		return attrs, nil
	}
	return ref.Snapshot, nil
}

func (h *Healer) subnetFor(ip net.IP) *net.IPNet {
	for _, s := range h.subnets {
		if s.Contains(ip) {
			return s
		}
	}
	return nil
}

// znodeFor builds the subnet-scoped path the API server registers
// allocated addresses under, with the IP rendered as its unsigned 32-bit
// integer form for IPv4 addresses.
func (h *Healer) znodeFor(ip net.IP, subnet *net.IPNet) string {
	return fmt.Sprintf("/api-server/subnets/%s:%s/%s", h.vnFQName, subnet.String(), ipToInt(ip))
}

func ipToInt(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ip.String()
	}
	n := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	return strconv.FormatUint(uint64(n), 10)
}

// createRecursive creates path and any missing parent znodes, storing
// data only on the leaf node.
func (h *Healer) createRecursive(path string, data []byte) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	cur := ""
	for i, part := range parts {
		if part == "" {
			continue
		}
		cur += "/" + part
		exists, _, err := h.zk.Exists(cur)
		if err != nil {
			return fmt.Errorf("fip: zk exists %s: %w", cur, err)
		}
		if exists {
			continue
		}
		payload := []byte(nil)
		if i == len(parts)-1 {
			payload = data
		}
		if _, err := h.zk.Create(cur, payload, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("fip: zk create %s: %w", cur, err)
		}
	}
	return nil
}
