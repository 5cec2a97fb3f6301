package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"github.com/scoutfs/scoutfs/pkg/btree"
	"github.com/scoutfs/scoutfs/pkg/common/iterator"
	"github.com/scoutfs/scoutfs/pkg/common/iterator/bounded"
	"github.com/scoutfs/scoutfs/pkg/common/iterator/filtered"
	"github.com/scoutfs/scoutfs/pkg/engine"
	"github.com/scoutfs/scoutfs/pkg/format"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".super"),
	readline.PcItem(".buddy"),
	readline.PcItem("BEGIN"),
	readline.PcItem("COMMIT"),
	readline.PcItem("ABORT"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DEL"),
	readline.PcItem("SCAN"),
)

const shellHelp = `
Keys are written ino.type.offset, where type is a key type name
(inode, xattr, dirent, bmap, data_version, ...) or its number.

Commands:
  .help                   - Show this help message
  .exit                   - Exit, aborting any open transaction
  .stats                  - Show engine statistics
  .super                  - Show the committed superblock
  .buddy                  - Check the device and show free space by order

  BEGIN                   - Begin a transaction
  COMMIT                  - Commit the current transaction
  ABORT                   - Abort the current transaction

  PUT key value           - Store an item
  GET key                 - Retrieve an item
  DEL key                 - Delete an item
  SCAN [first [last]]     - List items in key order
  SCAN ... TYPE type      - List only items of one key type
`

// shell runs item commands against a mounted engine. Outside BEGIN and
// COMMIT every change commits on its own.
type shell struct {
	e   *engine.Engine
	tx  *engine.Tx
	out io.Writer
}

func runShellCommand(ctx context.Context, env *env, _ *flag.FlagSet, args []string) error {
	e, err := env.mount(ctx, args[0])
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Fprintf(env.out, "scoutfs shell on %s\n", args[0])
	fmt.Fprintln(env.out, "Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "scoutfs> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".scoutfs_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
		Stdin:           io.NopCloser(env.stdin),
		Stdout:          env.out,
	})
	if err != nil {
		return errors.Wrap(err, "initialize readline")
	}
	defer rl.Close()

	sh := &shell{e: e, out: env.out}
	defer sh.abort()
	for {
		if sh.tx != nil {
			rl.SetPrompt("scoutfs[TX]> ")
		} else {
			rl.SetPrompt("scoutfs> ")
		}
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if sh.exec(ctx, line) {
			return nil
		}
	}
}

func (sh *shell) abort() {
	if sh.tx != nil {
		sh.tx.Abort()
		sh.tx = nil
	}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])
	if strings.HasPrefix(cmd, ".") {
		cmd = strings.ToLower(cmd)
	}

	var err error
	switch cmd {
	case ".help":
		fmt.Fprint(sh.out, shellHelp)
	case ".exit":
		sh.abort()
		return true
	case ".stats":
		sh.stats()
	case ".super":
		printSuper(sh.out, sh.e)
	case ".buddy":
		err = sh.buddy(ctx)
	case "BEGIN":
		err = sh.begin(ctx)
	case "COMMIT":
		err = sh.commit(ctx)
	case "ABORT":
		if sh.tx == nil {
			err = errors.New("no transaction in progress")
			break
		}
		sh.abort()
		fmt.Fprintln(sh.out, "Transaction aborted")
	case "GET":
		err = sh.get(ctx, parts[1:])
	case "PUT":
		err = sh.put(ctx, line, parts[1:])
	case "DEL":
		err = sh.del(ctx, parts[1:])
	case "SCAN":
		err = sh.scan(ctx, parts[1:])
	default:
		err = errors.Errorf("unknown command %q", parts[0])
	}

	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		// A failed transaction is finished; drop it.
		if sh.tx != nil && errors.Is(err, engine.ErrTxAborted) {
			sh.tx = nil
		}
	}
	return false
}

func (sh *shell) stats() {
	stats := sh.e.GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sh.out, "  %-28s %v\n", k, stats[k])
	}
}

func (sh *shell) buddy(ctx context.Context) error {
	if sh.tx != nil {
		return errors.New("commit or abort the transaction first")
	}
	res, err := sh.e.Check(ctx)
	if err != nil {
		return err
	}
	printBuddy(sh.out, res)
	return nil
}

func (sh *shell) begin(ctx context.Context) error {
	if sh.tx != nil {
		return errors.New("transaction already in progress")
	}
	tx, err := sh.e.Begin(ctx)
	if err != nil {
		return err
	}
	sh.tx = tx
	fmt.Fprintf(sh.out, "Transaction started at seq %d\n", tx.Seq())
	return nil
}

func (sh *shell) commit(ctx context.Context) error {
	if sh.tx == nil {
		return errors.New("no transaction in progress")
	}
	tx := sh.tx
	sh.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Transaction committed at seq %d\n", sh.e.Super().Seq)
	return nil
}

// update runs fn in the open transaction or a transaction of its own.
func (sh *shell) update(ctx context.Context, fn func(*engine.Tx) error) error {
	if sh.tx != nil {
		return fn(sh.tx)
	}
	return sh.e.Update(ctx, fn)
}

type itemReader interface {
	iterator.Source
	Lookup(ctx context.Context, key format.Key) ([]byte, error)
}

// reader reads through the open transaction so it sees its own changes.
func (sh *shell) reader() itemReader {
	if sh.tx != nil {
		return sh.tx
	}
	return sh.e.Snapshot()
}

func (sh *shell) get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: GET key")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	val, err := sh.reader().Lookup(ctx, key)
	if errors.Is(err, btree.ErrNotFound) {
		fmt.Fprintln(sh.out, "Key not found")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%s\n", formatValue(val))
	return nil
}

func (sh *shell) put(ctx context.Context, line string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: PUT key value")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	// The value is the rest of the line, spaces included.
	rest := strings.TrimSpace(line)
	rest = strings.TrimSpace(rest[len(strings.Fields(rest)[0]):])
	val := strings.TrimSpace(rest[len(args[0]):])

	if err := sh.update(ctx, func(tx *engine.Tx) error {
		return tx.Insert(ctx, key, []byte(val))
	}); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "Value stored")
	return nil
}

func (sh *shell) del(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: DEL key")
	}
	key, err := parseKey(args[0])
	if err != nil {
		return err
	}
	err = sh.update(ctx, func(tx *engine.Tx) error {
		return tx.Delete(ctx, key)
	})
	if errors.Is(err, btree.ErrNotFound) {
		fmt.Fprintln(sh.out, "Key not found")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "Key deleted")
	return nil
}

func (sh *shell) scan(ctx context.Context, args []string) error {
	var filter string
	if n := len(args); n >= 2 && strings.EqualFold(args[n-2], "TYPE") {
		filter = args[n-1]
		args = args[:n-2]
	}
	first, last := format.MinKey, format.MaxKey
	var err error
	switch len(args) {
	case 2:
		if last, err = parseKey(args[1]); err != nil {
			return err
		}
		fallthrough
	case 1:
		if first, err = parseKey(args[0]); err != nil {
			return err
		}
	case 0:
	default:
		return errors.New("usage: SCAN [first [last]] [TYPE type]")
	}

	c := iterator.NewCursor(ctx, sh.reader())
	var it iterator.Iterator = bounded.NewBoundedIterator(c, first, last)
	if filter != "" {
		typ, err := parseType(filter)
		if err != nil {
			return err
		}
		it = filtered.NewTypeIterator(it, typ)
	}

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fmt.Fprintf(sh.out, "%s: %s\n", it.Key(), formatValue(it.Value()))
		count++
	}
	if err := c.Err(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "%d items found\n", count)
	return nil
}

// parseKey parses ino.type.offset.
func parseKey(s string) (format.Key, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return format.Key{}, errors.Wrapf(format.ErrInvalidKey, "%q is not ino.type.offset", s)
	}
	ino, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		return format.Key{}, errors.Wrapf(format.ErrInvalidKey, "inode %q", parts[0])
	}
	typ, err := parseType(parts[1])
	if err != nil {
		return format.Key{}, err
	}
	off, err := strconv.ParseUint(parts[2], 0, 64)
	if err != nil {
		return format.Key{}, errors.Wrapf(format.ErrInvalidKey, "offset %q", parts[2])
	}
	return format.Key{Ino: ino, Type: typ, Offset: off}, nil
}

// parseType parses a key type name or number.
func parseType(s string) (uint8, error) {
	if typ, ok := format.ParseType(s); ok {
		return typ, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(format.ErrInvalidKey, "type %q", s)
	}
	return uint8(n), nil
}

// formatValue prints printable values as text and anything else as hex.
func formatValue(v []byte) string {
	for _, c := range v {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%x", v)
		}
	}
	return string(v)
}
