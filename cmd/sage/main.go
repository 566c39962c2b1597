// Command sage is a local, offline RAG assistant. It answers questions from
// a persisted knowledge base of embedded fragments, generating replies with
// a pooled command-line LLM.
//
// Usage:
//
//	sage serve                         interactive session
//	sage ask <question>                one-shot question
//	sage ingest <file.md> [flags]      ingest a markdown file
//	sage collections                   list collections
//	sage delete <collection>           delete a collection
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scrypster/sage/internal/config"
	"github.com/scrypster/sage/internal/engine"
	"github.com/scrypster/sage/internal/llm"
	"github.com/scrypster/sage/internal/storage"
	"github.com/scrypster/sage/internal/storage/postgres"
	"github.com/scrypster/sage/internal/storage/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("sage: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	var exitErr error
	switch os.Args[1] {
	case "serve":
		exitErr = runServe(cfg)
	case "ask":
		if len(os.Args) < 3 {
			log.Fatal("usage: sage ask <question>")
		}
		exitErr = runAsk(cfg, strings.Join(os.Args[2:], " "))
	case "ingest":
		exitErr = runIngest(cfg, os.Args[2:])
	case "collections":
		exitErr = runCollections(cfg)
	case "delete":
		if len(os.Args) < 3 {
			log.Fatal("usage: sage delete <collection>")
		}
		exitErr = runDelete(cfg, os.Args[2])
	default:
		usage()
		os.Exit(2)
	}
	if exitErr != nil {
		log.Fatalf("%v", exitErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sage <serve|ask|ingest|collections|delete> [args]")
}

// openStore builds the configured fragment store and initializes its schema.
func openStore(ctx context.Context, cfg *config.Config) (storage.FragmentStore, error) {
	var store storage.FragmentStore
	switch cfg.Storage.Engine {
	case "postgres":
		s, err := postgres.NewFragmentStore(cfg.Storage.ConnectionString, cfg.Embedding.Dimension)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		if dir := filepath.Dir(cfg.Storage.ConnectionString); dir != "." && cfg.Storage.ConnectionString != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.NewFragmentStore(cfg.Storage.ConnectionString)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// buildMemory wires the vector memory over the store.
func buildMemory(store storage.FragmentStore, cfg *config.Config) (*engine.VectorMemory, error) {
	embedder := llm.NewOllamaEmbedder(llm.OllamaConfig{
		BaseURL:    cfg.Embedding.URL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimension,
	})
	return engine.NewVectorMemory(store, embedder, engine.Weights{
		Category: cfg.RAG.WeightCategory,
		Content:  cfg.RAG.WeightContent,
		Combined: cfg.RAG.WeightCombined,
	})
}

// buildPool creates and warms the worker pool, logging load progress.
func buildPool(ctx context.Context, cfg *config.Config) (*llm.WorkerPool, error) {
	pool := llm.NewWorkerPool(llm.PoolConfig{
		Size: cfg.Pool.MaxInstances,
		Worker: llm.WorkerConfig{
			ExecutablePath: cfg.LLM.ExecutablePath,
			ModelPath:      cfg.LLM.ModelPath,
			QueryTimeout:   time.Duration(cfg.Pool.TimeoutMs) * time.Millisecond,
		},
	})
	err := pool.WarmUp(ctx, func(created, total int) {
		log.Printf("worker %d/%d ready", created, total)
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func buildOrchestrator(ctx context.Context, cfg *config.Config) (*engine.Orchestrator, func(), error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	memory, err := buildMemory(store, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	pool, err := buildPool(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	orchestrator := engine.NewOrchestrator(memory, pool, engine.NewConversationLog(),
		&engine.PromptAssembler{}, engine.OrchestratorConfig{
			Collection: cfg.Storage.ActiveCollection,
			TopK:       cfg.RAG.TopK,
			MinScore:   cfg.RAG.MinScore,
		})

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pool.Teardown(shutdownCtx); err != nil {
			log.Printf("teardown: %v", err)
		}
		store.Close()
	}
	return orchestrator, cleanup, nil
}

// runServe is the interactive loop: read a question, answer it, repeat.
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("sage ready (collection: %s). Ctrl-D to exit.\n", cfg.Storage.ActiveCollection)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}

		answer, err := orchestrator.Ask(ctx, question)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(answer)

		if ctx.Err() != nil {
			break
		}
	}
	fmt.Println()
	return scanner.Err()
}

// runAsk answers a single question and exits.
func runAsk(cfg *config.Config, question string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator, cleanup, err := buildOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	answer, err := orchestrator.Ask(ctx, question)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

// runIngest loads a markdown file into the store. Level-2 headings become
// fragment categories; the text under each heading is the content.
func runIngest(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	collection := fs.String("collection", cfg.Storage.ActiveCollection, "target collection")
	replace := fs.Bool("replace", false, "clear the collection before ingesting")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: sage ingest <file.md> [--collection name] [--replace]")
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	docs := splitMarkdownSections(string(data), filepath.Base(path))
	if len(docs) == 0 {
		return fmt.Errorf("%s contains no ingestible sections", path)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	memory, err := buildMemory(store, cfg)
	if err != nil {
		return err
	}

	n, err := memory.Ingest(ctx, *collection, docs, *replace)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %d fragments into %s\n", n, *collection)
	return nil
}

// splitMarkdownSections cuts a markdown document at level-2 headings. Text
// before the first heading is grouped under the file name.
func splitMarkdownSections(content, sourceFile string) []engine.Document {
	var docs []engine.Document
	category := "## " + strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile))
	var body strings.Builder

	flush := func() {
		if text := strings.TrimSpace(body.String()); text != "" {
			docs = append(docs, engine.Document{
				Category:   category,
				Content:    text,
				SourceFile: sourceFile,
			})
		}
		body.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			category = strings.TrimSpace(line)
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return docs
}

// runCollections lists collections with their fragment counts.
func runCollections(cfg *config.Config) error {
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.ListCollections(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no collections")
		return nil
	}
	for _, name := range names {
		count, err := store.Count(ctx, name)
		if err != nil {
			return err
		}
		marker := " "
		if name == cfg.Storage.ActiveCollection {
			marker = "*"
		}
		fmt.Printf("%s %-30s %d fragments\n", marker, name, count)
	}
	return nil
}

// runDelete removes a collection.
func runDelete(cfg *config.Config, collection string) error {
	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.DeleteCollection(ctx, collection)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d fragments from %s\n", n, collection)
	return nil
}
