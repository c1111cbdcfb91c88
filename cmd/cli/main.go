// Command edusora is a CLI client for the edusora e-learning storefront API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edusora/edusora-go/internal/cart"
	"github.com/edusora/edusora-go/internal/comment"
	"github.com/edusora/edusora-go/internal/course"
	"github.com/edusora/edusora-go/internal/gateway"
	"github.com/edusora/edusora-go/internal/model"
	"github.com/edusora/edusora-go/internal/progress"
	"github.com/edusora/edusora-go/internal/session"
	"github.com/edusora/edusora-go/internal/storage"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- config ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "edusora")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "edusora")
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `edusora CLI
Usage:
  edusora [-base-url URL] [-db file | -redis ADDR] <cmd> [args]

Commands:
  version
  register    -first <name> -last <name> -email <e> -password <p> [-phone <p>]
  login       -email <e> -password <p>
  logout
  whoami
  refresh
  courses     [-force]
  course      -id <id>
  featured
  search      [-q <text>] [-category <c>] [-level <l>] [-price-max <n>]
  cart
  cart-add    -id <courseId>
  cart-rm     -id <courseId>
  enroll      -id <courseId>
  progress
  lesson-done -course <id> -lesson <id>
  comments
  comment-add -name <n> -content <text> -rating <1-5>
`)
	os.Exit(2)
}

// app bundles the wired stores for command handlers.
type app struct {
	session  *session.Store
	courses  *course.Cache
	cart     *cart.Store
	progress *progress.Cache
	comments *comment.Service
}

// main wires storage, gateway, and stores, then dispatches the subcommand.
func main() {
	// optional .env for local development
	_ = godotenv.Load()

	baseURL := flag.String("base-url", envDefault("EDUSORA_API_URL", "http://localhost:3000/api"), "API base URL")
	dbPath := flag.String("db", filepath.Join(cfgDir(), "cache.db"), "sqlite cache file")
	redisAddr := flag.String("redis", os.Getenv("EDUSORA_REDIS_ADDR"), "redis address for a shared cache (overrides -db)")
	timeout := flag.Duration("timeout", 30*time.Second, "per-command timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var kv storage.KV
	var err error
	if *redisAddr != "" {
		kv = storage.NewRedis(redis.NewClient(&redis.Options{Addr: *redisAddr}), "edusora")
	} else {
		_ = os.MkdirAll(filepath.Dir(*dbPath), 0o700)
		kv, err = storage.OpenSQLite(ctx, *dbPath)
		if err != nil {
			fail(err)
		}
	}
	defer func() { _ = kv.Close() }()

	gw := gateway.New(*baseURL, nil, logger)
	sess := session.New(ctx, gw, kv, logger)
	a := &app{
		session:  sess,
		courses:  course.New(gw, kv, logger),
		cart:     cart.New(gw, kv, sess, logger),
		progress: progress.New(gw, kv, sess, logger),
		comments: comment.NewService(gw),
	}

	switch cmd {

	case "version":
		fmt.Printf("edusora %s (%s)\n", version, buildDate)

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		first := fs.String("first", "", "first name")
		last := fs.String("last", "", "last name")
		email := fs.String("email", "", "email")
		password := fs.String("password", "", "password")
		phone := fs.String("phone", "", "phone")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "need -email and -password")
			os.Exit(1)
		}
		id, err := a.session.Register(ctx, model.RegisterRequest{
			FirstName: *first, LastName: *last,
			Email: *email, Password: *password, Phone: *phone,
		})
		if err != nil {
			fail(err)
		}
		printJSON(id)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "email")
		password := fs.String("password", "", "password")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "need -email and -password")
			os.Exit(1)
		}
		id, err := a.session.Login(ctx, *email, *password)
		if err != nil {
			fail(err)
		}
		printJSON(id)

	case "logout":
		a.session.Logout()
		fmt.Println("ok")

	case "whoami":
		id := a.session.Current()
		if id == nil {
			fmt.Println("anonymous")
			return
		}
		printJSON(id)

	case "refresh":
		if _, err := a.session.Refresh(ctx); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "courses":
		fs := flag.NewFlagSet("courses", flag.ExitOnError)
		force := fs.Bool("force", false, "bypass cache")
		_ = fs.Parse(args)
		list, err := a.courses.GetAll(ctx, *force)
		if err != nil {
			fail(err)
		}
		printJSON(list)

	case "course":
		fs := flag.NewFlagSet("course", flag.ExitOnError)
		id := fs.String("id", "", "course id")
		_ = fs.Parse(args)
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		crs, err := a.courses.GetByID(ctx, *id)
		if err != nil {
			fail(err)
		}
		if crs == nil {
			fmt.Fprintln(os.Stderr, "course not found")
			os.Exit(1)
		}
		printJSON(crs)

	case "featured":
		list, err := a.courses.Featured(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(list)

	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		q := fs.String("q", "", "query text")
		category := fs.String("category", "", "category")
		level := fs.String("level", "", "level")
		priceMax := fs.Float64("price-max", 0, "max price")
		_ = fs.Parse(args)
		list, err := a.courses.Search(ctx, model.SearchFilters{
			Query: *q, Category: *category, Level: *level, PriceMax: *priceMax,
		})
		if err != nil {
			fail(err)
		}
		printJSON(list)

	case "cart":
		if err := a.cart.Load(ctx); err != nil {
			fail(err)
		}
		c, _ := a.cart.Cart().Last()
		e, _ := a.cart.Enrolled().Last()
		printJSON(map[string]any{"cart": c, "enrolled": e})

	case "cart-add":
		updated, err := a.cart.Add(ctx, requireID(args))
		if err != nil {
			fail(err)
		}
		printJSON(updated)

	case "cart-rm":
		updated, err := a.cart.Remove(ctx, requireID(args))
		if err != nil {
			fail(err)
		}
		printJSON(updated)

	case "enroll":
		enrolled, err := a.cart.Enroll(ctx, requireID(args))
		if err != nil {
			fail(err)
		}
		printJSON(enrolled)

	case "progress":
		uid, ok := a.session.UserID()
		if !ok {
			fail(fmt.Errorf("login first"))
		}
		list, err := a.progress.GetUserProgress(ctx, uid, false)
		if err != nil {
			fail(err)
		}
		printJSON(list)

	case "lesson-done":
		fs := flag.NewFlagSet("lesson-done", flag.ExitOnError)
		courseID := fs.String("course", "", "course id")
		lessonID := fs.String("lesson", "", "lesson id")
		_ = fs.Parse(args)
		if *courseID == "" || *lessonID == "" {
			fmt.Fprintln(os.Stderr, "need -course and -lesson")
			os.Exit(1)
		}
		p, err := a.progress.MarkLessonComplete(ctx, *courseID, *lessonID)
		if err != nil {
			fail(err)
		}
		printJSON(p)

	case "comments":
		list, err := a.comments.List(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(list)

	case "comment-add":
		fs := flag.NewFlagSet("comment-add", flag.ExitOnError)
		name := fs.String("name", "", "display name")
		content := fs.String("content", "", "comment text")
		rating := fs.Float64("rating", 5, "rating 1-5")
		_ = fs.Parse(args)
		if *content == "" {
			fmt.Fprintln(os.Stderr, "need -content")
			os.Exit(1)
		}
		added, err := a.comments.Add(ctx, model.Comment{
			Name: *name, Content: *content, Rating: *rating,
		})
		if err != nil {
			fail(err)
		}
		printJSON(added)

	default:
		usage()
	}
}

// requireID parses the shared "-id" flag used by the cart commands.
func requireID(args []string) string {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	id := fs.String("id", "", "course id")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "need -id")
		os.Exit(1)
	}
	return *id
}
