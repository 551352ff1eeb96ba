// vhostbench drives synthetic virtio-scsi traffic through a vhost device
// backed by a malloc block device. It plays the guest side in-process: guest
// memory is a byte slice, the rings live inside it, and a driver poller on
// the device's own reactor submits READ(10)/WRITE(10) chains and reaps used
// entries. Useful for eyeballing the data path and for profiling.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/costad2/spdk/internal/bdev"
	"github.com/costad2/spdk/internal/event"
	"github.com/costad2/spdk/internal/vhost"
	"github.com/costad2/spdk/internal/vhost/guestmem"
)

// Config is the bench setup, loadable from yaml.
type Config struct {
	Reactors []int32 `yaml:"reactors"`
	Pin      bool    `yaml:"pin"`

	Controller struct {
		Name    string `yaml:"name"`
		Cpumask uint64 `yaml:"cpumask"`
	} `yaml:"controller"`

	Bdev struct {
		Name      string `yaml:"name"`
		SizeMB    uint64 `yaml:"size_mb"`
		BlockSize uint32 `yaml:"block_size"`
	} `yaml:"bdev"`

	Queues struct {
		Count int    `yaml:"count"`
		Size  uint16 `yaml:"size"`
		Depth int    `yaml:"depth"`
	} `yaml:"queues"`

	IOSize      uint32 `yaml:"io_size"`
	ReadPercent int    `yaml:"read_percent"`
	RuntimeSec  int    `yaml:"runtime_sec"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Reactors = []int32{0}
	cfg.Controller.Name = "vhost.0"
	cfg.Controller.Cpumask = 0x1
	cfg.Bdev.Name = "Malloc0"
	cfg.Bdev.SizeMB = 64
	cfg.Bdev.BlockSize = 512
	cfg.Queues.Count = 1
	cfg.Queues.Size = 128
	cfg.Queues.Depth = 32
	cfg.IOSize = 4096
	cfg.ReadPercent = 70
	cfg.RuntimeSec = 10
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Reactors) == 0 {
		return errors.New("no reactors configured")
	}
	if c.Bdev.BlockSize == 0 || c.IOSize%c.Bdev.BlockSize != 0 {
		return fmt.Errorf("io_size %d is not a multiple of block_size %d", c.IOSize, c.Bdev.BlockSize)
	}
	if c.Queues.Size&(c.Queues.Size-1) != 0 || c.Queues.Size == 0 {
		return fmt.Errorf("queue size %d is not a power of two", c.Queues.Size)
	}
	if c.Queues.Count < 1 {
		return errors.New("need at least one request queue")
	}
	// Three descriptors per request: header, data, response.
	if max := int(c.Queues.Size) / 3; c.Queues.Depth > max {
		slog.Warn("clamping queue depth to descriptor capacity", "depth", c.Queues.Depth, "max", max)
		c.Queues.Depth = max
	}
	if c.Queues.Depth < 1 {
		c.Queues.Depth = 1
	}
	if c.ReadPercent < 0 || c.ReadPercent > 100 {
		return fmt.Errorf("read_percent %d out of range", c.ReadPercent)
	}
	return nil
}

func main() {
	cfgPath := flag.String("config", "", "yaml config file (defaults baked in)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	numBlocks := cfg.Bdev.SizeMB << 20 / uint64(cfg.Bdev.BlockSize)
	bd := bdev.NewMalloc(cfg.Bdev.Name, numBlocks, cfg.Bdev.BlockSize)
	if err := bdev.Register(bd); err != nil {
		return err
	}
	defer bdev.Unregister(cfg.Bdev.Name)

	app := event.NewApp(cfg.Reactors, cfg.Pin)
	app.Start()
	defer app.Stop()

	target := vhost.NewTarget(app)
	ctrl := vhost.NewSCSIBackend(cfg.Bdev.Name)
	dev, err := target.Construct(cfg.Controller.Name, cfg.Controller.Cpumask, vhost.DevTypeSCSI, ctrl)
	if err != nil {
		return err
	}

	g := buildGuest(&cfg, numBlocks)
	if err := dev.SetMemTable(g.regions()); err != nil {
		return err
	}
	for i := 0; i < 2+cfg.Queues.Count; i++ {
		q := g.ringAt(i)
		if err := dev.SetVring(i, cfg.Queues.Size, q.descGPA, q.availGPA, q.usedGPA, vhost.NewChanNotifier()); err != nil {
			return err
		}
	}
	if _, err := target.Load(cfg.Controller.Name, 0); err != nil {
		return err
	}

	// The driver runs as a second poller on the device's reactor, so guest
	// and device never touch the rings concurrently.
	driver, err := app.RegisterPoller(dev.Lcore(), g.poll)
	if err != nil {
		return err
	}

	fmt.Printf("vhostbench: %s on %s (%s, %d-byte blocks), %d queue(s) x depth %d, %s IOs, %d%% reads, %ds\n",
		cfg.Controller.Name, cfg.Bdev.Name,
		humanize.IBytes(cfg.Bdev.SizeMB<<20), cfg.Bdev.BlockSize,
		cfg.Queues.Count, cfg.Queues.Depth,
		humanize.IBytes(uint64(cfg.IOSize)), cfg.ReadPercent, cfg.RuntimeSec)

	start := time.Now()
	time.Sleep(time.Duration(cfg.RuntimeSec) * time.Second)
	g.stop.Store(true)
	driver.Unregister()
	elapsed := time.Since(start)

	// Drain: completions need the device poller, so just retry unload until
	// the in-flight count reaches zero.
	for {
		err := target.Unload(dev)
		if err == nil {
			break
		}
		if !errors.Is(err, vhost.ErrTasksInFlight) {
			return err
		}
		time.Sleep(time.Millisecond)
	}
	if err := target.Remove(dev); err != nil {
		return err
	}

	ops := g.ops.Load()
	bytes := g.bytes.Load()
	secs := elapsed.Seconds()
	fmt.Printf("completed: %s ops (%s)\n", humanize.Comma(int64(ops)), humanize.IBytes(bytes))
	fmt.Printf("rate:      %s IOPS, %s/s\n",
		humanize.CommafWithDigits(float64(ops)/secs, 0),
		humanize.IBytes(uint64(float64(bytes)/secs)))
	return nil
}

// Guest-side descriptor flags.
const (
	descNext  = 1
	descWrite = 2
)

// Sizes of the virtio-scsi command structures the guest builds.
const (
	reqHdrSize  = 51
	reqCdbOff   = 19
	respSize    = 108
	guestBase   = 0x100000
	ringStride  = 0x10000
	descEntry   = 16
	usedEntry   = 8
	ringHdr     = 4
	opRead10    = 0x28
	opWrite10   = 0x2a
	availNoIntr = 1
)

// benchRing is the guest's view of one ring set plus its request slots.
type benchRing struct {
	g    *guest
	size uint16

	descGPA  uint64
	availGPA uint64
	usedGPA  uint64
	slotGPA  uint64 // per-slot header/response/data buffers

	availShadow uint16
	usedShadow  uint16
	nextSlot    uint64
	inflight    int
}

// guest owns the memory slab and the driver state for every queue.
type guest struct {
	cfg       *Config
	mem       []byte
	rings     []*benchRing
	rng       *rand.Rand
	numBlocks uint64

	stop  atomic.Bool
	ops   atomic.Uint64
	bytes atomic.Uint64
}

func buildGuest(cfg *Config, numBlocks uint64) *guest {
	slotBytes := uint64(reqHdrSize+respSize+int(cfg.IOSize)+64) &^ 63
	perQueue := uint64(ringStride) + uint64(cfg.Queues.Depth)*slotBytes
	total := perQueue * uint64(2+cfg.Queues.Count)

	g := &guest{
		cfg:       cfg,
		mem:       make([]byte, total),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		numBlocks: numBlocks,
	}
	for i := 0; i < 2+cfg.Queues.Count; i++ {
		base := guestBase + perQueue*uint64(i)
		r := &benchRing{
			g:        g,
			size:     cfg.Queues.Size,
			descGPA:  base,
			availGPA: base + uint64(cfg.Queues.Size)*descEntry,
			slotGPA:  base + ringStride,
		}
		r.usedGPA = (r.availGPA + ringHdr + 2*uint64(cfg.Queues.Size) + 0xfff) &^ 0xfff
		g.rings = append(g.rings, r)
	}
	return g
}

func (g *guest) regions() []guestmem.Region {
	return []guestmem.Region{{GPA: guestBase, Size: uint64(len(g.mem)), Host: g.mem}}
}

func (g *guest) ringAt(i int) *benchRing { return g.rings[i] }

func (g *guest) hostAt(gpa uint64) []byte { return g.mem[gpa-guestBase:] }

// poll is the driver iteration: reap finished requests, then top every
// request queue back up to the configured depth. Runs on the device's
// reactor, interleaved with the device's own poller.
func (g *guest) poll() bool {
	busy := false
	for i := 2; i < len(g.rings); i++ {
		r := g.rings[i]
		if r.reap() {
			busy = true
		}
		if g.stop.Load() {
			continue
		}
		for r.inflight < g.cfg.Queues.Depth {
			r.submit()
			busy = true
		}
	}
	return busy
}

// reap consumes new used entries. Every retired id frees its slot.
func (r *benchRing) reap() bool {
	used := r.g.hostAt(r.usedGPA)
	idx := binary.LittleEndian.Uint16(used[2:4])
	did := false
	for r.usedShadow != idx {
		slot := r.usedShadow % r.size
		e := used[ringHdr+usedEntry*uint32(slot):]
		id := binary.LittleEndian.Uint32(e[0:4])

		resp := r.g.hostAt(r.slotGPA + uint64(id/3)*r.slotBytes() + reqHdrSize)
		if resp[11] == 0 && resp[10] == 0 {
			r.g.ops.Add(1)
			r.g.bytes.Add(uint64(r.g.cfg.IOSize))
		} else {
			slog.Warn("request failed", "response", resp[11], "status", resp[10])
		}
		r.inflight--
		r.usedShadow++
		did = true
	}
	return did
}

func (r *benchRing) slotBytes() uint64 {
	return uint64(reqHdrSize+respSize+int(r.g.cfg.IOSize)+64) &^ 63
}

// submit builds one READ(10) or WRITE(10) chain in the next free slot and
// publishes it. Slot n owns descriptors 3n..3n+2, so ids map back to slots
// without bookkeeping.
func (r *benchRing) submit() {
	cfg := r.g.cfg
	slot := uint16(r.nextSlot % uint64(r.size/3))
	r.nextSlot++
	base := r.slotGPA + uint64(slot)*r.slotBytes()
	hdrGPA := base
	respGPA := base + reqHdrSize
	dataGPA := base + reqHdrSize + respSize

	blocks := uint64(cfg.IOSize / cfg.Bdev.BlockSize)
	lba := uint64(r.g.rng.Int63n(int64(r.g.numBlocks - blocks + 1)))
	isRead := r.g.rng.Intn(100) < cfg.ReadPercent

	hdr := r.g.hostAt(hdrGPA)
	clear(hdr[:reqHdrSize])
	hdr[0] = 1 // LUN 0
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(slot))
	cdb := hdr[reqCdbOff:]
	if isRead {
		cdb[0] = opRead10
	} else {
		cdb[0] = opWrite10
	}
	binary.BigEndian.PutUint32(cdb[2:6], uint32(lba))
	binary.BigEndian.PutUint16(cdb[7:9], uint16(blocks))

	head := slot * 3
	if isRead {
		r.writeDesc(head, hdrGPA, reqHdrSize, descNext, head+1)
		r.writeDesc(head+1, respGPA, respSize, descWrite|descNext, head+2)
		r.writeDesc(head+2, dataGPA, cfg.IOSize, descWrite, 0)
	} else {
		r.writeDesc(head, hdrGPA, reqHdrSize, descNext, head+1)
		r.writeDesc(head+1, dataGPA, cfg.IOSize, descNext, head+2)
		r.writeDesc(head+2, respGPA, respSize, descWrite, 0)
	}
	r.pushAvail(head)
	r.inflight++
}

func (r *benchRing) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	e := r.g.hostAt(r.descGPA + uint64(i)*descEntry)
	binary.LittleEndian.PutUint64(e[0:8], addr)
	binary.LittleEndian.PutUint32(e[8:12], length)
	binary.LittleEndian.PutUint16(e[12:14], flags)
	binary.LittleEndian.PutUint16(e[14:16], next)
}

func (r *benchRing) pushAvail(head uint16) {
	ring := r.g.hostAt(r.availGPA)
	// The driver polls used entries itself, so ask the device not to signal.
	binary.LittleEndian.PutUint16(ring[0:2], availNoIntr)
	slot := r.availShadow % r.size
	binary.LittleEndian.PutUint16(ring[ringHdr+2*uint32(slot):], head)
	r.availShadow++
	binary.LittleEndian.PutUint16(ring[2:4], r.availShadow)
}
