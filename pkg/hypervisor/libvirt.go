// Package hypervisor binds the clone.Hypervisor capability to a live
// libvirt daemon over github.com/digitalocean/go-libvirt.
package hypervisor

import (
	"context"
	"log/slog"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/virtbak/vmclone/pkg/clone"
	"github.com/virtbak/vmclone/pkg/errors"
)

// Client talks to one libvirt daemon. It satisfies clone.Hypervisor;
// the underlying *libvirt.Libvirt is exposed for callers needing more.
type Client struct {
	lv *libvirt.Libvirt
}

// Connect dials the libvirt daemon over its unix socket. An empty
// socketPath uses the system default (/var/run/libvirt/libvirt-sock).
func Connect(socketPath string) (*Client, error) {
	slog.Info("libvirt_connect", "socket", socketPath)

	var dialer socket.Dialer
	if socketPath == "" {
		dialer = dialers.NewLocal()
	} else {
		dialer = dialers.NewLocal(dialers.WithSocket(socketPath))
	}

	lv := libvirt.NewWithDialer(dialer)
	if err := lv.Connect(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to libvirt")
	}

	return &Client{lv: lv}, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	return c.lv.Disconnect()
}

// Libvirt returns the underlying connection.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.lv
}

func (c *Client) lookup(name string) (libvirt.Domain, error) {
	dom, err := c.lv.DomainLookupByName(name)
	if err != nil {
		return libvirt.Domain{}, errors.Wrap(err, "domain lookup failed")
	}
	return dom, nil
}

// DomainXML returns the domain's live configuration document.
func (c *Client) DomainXML(ctx context.Context, domain string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return "", err
	}

	xml, err := c.lv.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch domain XML")
	}
	return xml, nil
}

// CreateSnapshot creates an external snapshot from the descriptor.
func (c *Client) CreateSnapshot(ctx context.Context, domain, xml string, flags clone.SnapshotFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return err
	}

	if _, err := c.lv.DomainSnapshotCreateXML(dom, xml, uint32(snapshotFlags(flags))); err != nil {
		return errors.Wrap(err, "snapshot creation failed")
	}
	return nil
}

// BlockCommit starts merging top towards base for one device.
func (c *Client) BlockCommit(ctx context.Context, domain, device, base, top string, bandwidth uint64, flags clone.BlockCommitFlags) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return err
	}

	if err := c.lv.DomainBlockCommit(dom, device, optString(base), optString(top), bandwidth, commitFlags(flags)); err != nil {
		return errors.Wrap(err, "block commit failed")
	}
	return nil
}

// BlockJobInfo samples the progress of the device's block job.
func (c *Client) BlockJobInfo(ctx context.Context, domain, device string) (clone.BlockJobInfo, error) {
	if err := ctx.Err(); err != nil {
		return clone.BlockJobInfo{}, err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return clone.BlockJobInfo{}, err
	}

	found, _, _, cur, end, err := c.lv.DomainGetBlockJobInfo(dom, device, 0)
	if err != nil {
		return clone.BlockJobInfo{}, errors.Wrap(err, "block job query failed")
	}

	return clone.BlockJobInfo{
		Found: found != 0,
		Cur:   cur,
		End:   end,
	}, nil
}

// BlockJobAbort ends the device's block job, pivoting when requested.
func (c *Client) BlockJobAbort(ctx context.Context, domain, device string, pivot bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return err
	}

	var flags libvirt.DomainBlockJobAbortFlags
	if pivot {
		flags |= libvirt.DomainBlockJobAbortPivot
	}

	if err := c.lv.DomainBlockJobAbort(dom, device, flags); err != nil {
		return errors.Wrap(err, "block job abort failed")
	}
	return nil
}

// Active reports whether the domain is running.
func (c *Client) Active(ctx context.Context, domain string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	dom, err := c.lookup(domain)
	if err != nil {
		return false, err
	}

	active, err := c.lv.DomainIsActive(dom)
	if err != nil {
		return false, errors.Wrap(err, "liveness query failed")
	}
	return active != 0, nil
}

// optString maps an empty string to the libvirt "absent" optional.
func optString(s string) libvirt.OptString {
	if s == "" {
		return nil
	}
	return []string{s}
}

func snapshotFlags(flags clone.SnapshotFlags) libvirt.DomainSnapshotCreateFlags {
	var out libvirt.DomainSnapshotCreateFlags
	if flags&clone.SnapshotNoMetadata != 0 {
		out |= libvirt.DomainSnapshotCreateNoMetadata
	}
	if flags&clone.SnapshotAtomic != 0 {
		out |= libvirt.DomainSnapshotCreateAtomic
	}
	if flags&clone.SnapshotDiskOnly != 0 {
		out |= libvirt.DomainSnapshotCreateDiskOnly
	}
	if flags&clone.SnapshotQuiesce != 0 {
		out |= libvirt.DomainSnapshotCreateQuiesce
	}
	return out
}

func commitFlags(flags clone.BlockCommitFlags) libvirt.DomainBlockCommitFlags {
	var out libvirt.DomainBlockCommitFlags
	if flags&clone.BlockCommitShallow != 0 {
		out |= libvirt.DomainBlockCommitShallow
	}
	if flags&clone.BlockCommitActive != 0 {
		out |= libvirt.DomainBlockCommitActive
	}
	return out
}
