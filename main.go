package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"guardian/config"
	"guardian/storage"
	"guardian/storage/model"
	"guardian/store"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const usage = `guardian - embedded log-structured user store

Usage:
  guardian [-path DIR] [-config FILE] [-compress] [-v] <command> [args]

Commands:
  status                  Show record and segment counts
  get <id>                Print one user
  create <id> <name> <email> [-city C] [-country C] [-age N] [-job J]
                          Save a user
  delete <id>             Delete a user
  scan                    Print every user
  compact                 Run a compaction now
  segments                Describe every segment file
  migrate <schema>        Migrate records to a schema version (unsupported)`

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }

	path := flag.String("path", "./data", "Storage base path")
	configFile := flag.String("config", "", "YAML configuration file")
	compress := flag.Bool("compress", false, "Snappy-compress new records")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if *verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowWarn())
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(logger, *path, *configFile, *compress, flag.Arg(0), flag.Args()[1:]); err != nil {
		level.Error(logger).Log("msg", "command failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, path, configFile string, compress bool, command string, args []string) error {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
	}

	// The background loop is pointless for a single command.
	cfg.Compaction.Interval = 0

	switch command {
	case "help":
		flag.Usage()
		return nil
	case "status", "get", "create", "delete", "scan", "compact", "segments", "migrate":
	default:
		flag.Usage()
		return errors.Errorf("unknown command %q", command)
	}

	s, err := store.Open(logger, nil, path, model.NewCodec(compress), cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	p := message.NewPrinter(language.English)

	switch command {
	case "status":
		return statusCmd(p, s)
	case "get":
		return getCmd(p, s, args)
	case "create":
		return createCmd(p, s, args)
	case "delete":
		return deleteCmd(p, s, args)
	case "scan":
		return scanCmd(p, s)
	case "compact":
		return compactCmd(p, s)
	case "segments":
		return segmentsCmd(p, s)
	default:
		return migrateCmd(s, args)
	}
}

func parseID(args []string) (uint64, error) {
	if len(args) < 1 {
		return 0, errors.New("missing record id")
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid record id %q", args[0])
	}

	return id, nil
}

func statusCmd(p *message.Printer, s *store.Store) error {
	stats, err := s.Stats()
	if err != nil {
		return err
	}

	state := s.CompactionState()

	p.Println("Guardian Status:")
	p.Printf("  Records:    %d\n", stats.RecordCount)
	p.Printf("  Segments:   %d\n", stats.SegmentCount)
	p.Printf("  Compaction: %s\n", state.Status)

	return nil
}

func getCmd(p *message.Printer, s *store.Store, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}

	rec, ok, err := s.Find(model.Key(id))
	if err != nil {
		return err
	}

	if !ok {
		p.Printf("User with ID %d not found\n", id)
		return nil
	}

	u := rec.(*model.User)

	p.Printf("User ID:  %d\n", u.ID)
	p.Printf("Name:     %s\n", u.Name)
	p.Printf("Email:    %s\n", u.Email)
	p.Printf("Address:  %s %s, %s %s\n", u.Address.Street, u.Address.City, u.Address.Country, u.Address.Postal)
	if u.Profile != nil {
		p.Printf("Age:      %d\n", u.Profile.Age)
		p.Printf("Job:      %s\n", u.Profile.Job)
		p.Printf("Interests: %s\n", strings.Join(u.Profile.Interests, ", "))
	}
	p.Printf("Updated:  %s\n", time.Unix(u.Updated, 0).UTC().Format(time.RFC3339))

	return nil
}

func createCmd(p *message.Printer, s *store.Store, args []string) error {
	if len(args) < 3 {
		return errors.New("create needs <id> <name> <email>")
	}

	id, err := parseID(args)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	street := fs.String("street", "", "Street")
	city := fs.String("city", "", "City")
	country := fs.String("country", "", "Country")
	postal := fs.String("postal", "", "Postal code")
	age := fs.Uint("age", 0, "Age, creates a profile when set")
	job := fs.String("job", "", "Job, creates a profile when set")
	interests := fs.String("interests", "", "Comma separated interests")

	if err := fs.Parse(args[3:]); err != nil {
		return err
	}

	now := time.Now().Unix()
	u := &model.User{
		ID:    id,
		Name:  args[1],
		Email: args[2],
		Address: model.Address{
			Street:  *street,
			City:    *city,
			Country: *country,
			Postal:  *postal,
		},
		Created: now,
		Updated: now,
	}

	if *age > 0 || *job != "" || *interests != "" {
		u.Profile = &model.Profile{Age: uint32(*age), Job: *job}
		if *interests != "" {
			u.Profile.Interests = strings.Split(*interests, ",")
		}
	}

	if err := s.Save(u); err != nil {
		return err
	}

	p.Printf("User created with ID %d\n", id)

	return nil
}

func deleteCmd(p *message.Printer, s *store.Store, args []string) error {
	id, err := parseID(args)
	if err != nil {
		return err
	}

	if err := s.Delete(model.Key(id)); err != nil {
		return err
	}

	p.Printf("User with ID %d deleted\n", id)

	return nil
}

func scanCmd(p *message.Printer, s *store.Store) error {
	count, failed := 0, 0

	for rec, err := range s.Scan() {
		if err != nil {
			if !storage.IsKind(err, storage.KindMissing) && !storage.IsKind(err, storage.KindFormat) && !storage.IsKind(err, storage.KindSerialize) {
				return err
			}
			fmt.Fprintf(os.Stderr, "error reading record: %v\n", err)
			failed++
			continue
		}

		u := rec.(*model.User)
		p.Printf("ID: %d, Name: %s, Email: %s\n", u.ID, u.Name, u.Email)
		count++
	}

	p.Printf("Total records: %d (%d unreadable)\n", count, failed)

	return nil
}

func compactCmd(p *message.Printer, s *store.Store) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	before, err := s.Stats()
	if err != nil {
		return err
	}

	if err := s.TriggerCompaction(ctx); err != nil {
		return err
	}

	after, err := s.Stats()
	if err != nil {
		return err
	}

	state := s.CompactionState()

	p.Println("Compaction finished:")
	p.Printf("  Processed: %d\n", state.Processed)
	p.Printf("  Removed:   %d\n", state.Removed)
	p.Printf("  Segments:  %d -> %d\n", before.SegmentCount, after.SegmentCount)

	return nil
}

func segmentsCmd(p *message.Printer, s *store.Store) error {
	infos, err := s.Segments()
	if err != nil {
		return err
	}

	for _, info := range infos {
		active := ""
		if info.Active {
			active = " (active)"
		}

		p.Printf("segment %d%s: %d records, %d bytes, schema %d, created %s\n",
			info.ID, active, info.Records, info.Bytes, info.Schema,
			time.Unix(info.Created, 0).UTC().Format(time.RFC3339))
	}

	p.Printf("%d segments\n", len(infos))

	return nil
}

func migrateCmd(s *store.Store, args []string) error {
	if len(args) < 1 {
		return errors.New("missing schema version")
	}

	schema, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid schema version %q", args[0])
	}

	return s.Migrate(uint32(schema))
}
