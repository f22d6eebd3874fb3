package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/celerix-dev/celerix-tasks/pkg/sdk"
)

func main() {
	addr := flag.String("addr", envOr("CELERIX_TASKS_ADDR", "localhost:7001"), "address of the task daemon")
	token := flag.String("token", os.Getenv("CELERIX_TASKS_TOKEN"), "session token from LOGIN")
	role := flag.String("role", "", "role for REGISTER (default member)")
	status := flag.String("status", "", "new status for EDIT (todo, in_progress, done)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		return
	}

	client, err := sdk.Connect(*addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer client.Close()

	command := strings.ToUpper(flag.Arg(0))
	args := flag.Args()[1:]

	if *token != "" && command != "LOGIN" && command != "REGISTER" && command != "PING" {
		if err := client.SetToken(*token); err != nil {
			log.Fatal(err)
		}
	}

	switch command {
	case "REGISTER":
		if len(args) < 3 {
			log.Fatal("Usage: celerix-tasks REGISTER <name> <email> <password> [--role r]")
		}
		user, err := client.Register(sdk.RegisterRequest{Name: args[0], Email: args[1], Password: args[2], Role: *role})
		if err != nil {
			log.Fatal(err)
		}
		printJSON(user)

	case "LOGIN":
		if len(args) < 2 {
			log.Fatal("Usage: celerix-tasks LOGIN <email> <password>")
		}
		issued, err := client.Login(args[0], args[1])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(issued)

	case "LOGOUT":
		if err := client.Logout(); err != nil {
			log.Fatal(err)
		}
		fmt.Println("OK")

	case "USERS":
		users, err := client.Users()
		if err != nil {
			log.Fatal(err)
		}
		printJSON(users)

	case "TASKS":
		list, err := client.Tasks()
		if err != nil {
			log.Fatal(err)
		}
		printJSON(list)

	case "CREATE":
		if len(args) < 2 {
			log.Fatal("Usage: celerix-tasks CREATE <title> <description>")
		}
		task, err := client.CreateTask(args[0], args[1])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(task)

	case "EDIT":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-tasks EDIT <id> [title] [description] [--status s]")
		}
		var title, description string
		if len(args) > 1 {
			title = args[1]
		}
		if len(args) > 2 {
			description = args[2]
		}
		task, err := client.EditTask(args[0], sdk.Patch(title, description, *status))
		if err != nil {
			log.Fatal(err)
		}
		printJSON(task)

	case "DELETE":
		if len(args) < 1 {
			log.Fatal("Usage: celerix-tasks DELETE <id>")
		}
		task, err := client.DeleteTask(args[0])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(task)

	case "WATCH":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		events, err := client.Watch(ctx)
		if err != nil {
			log.Fatal(err)
		}
		for ev := range events {
			printJSON(ev)
		}

	case "PING":
		if err := client.Ping(); err != nil {
			log.Fatal(err)
		}
		fmt.Println("PONG")

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("Celerix Tasks CLI - Interface for celerix-tasksd")
	fmt.Println("\nUsage:")
	fmt.Println("  celerix-tasks REGISTER <name> <email> <password> [--role r]")
	fmt.Println("  celerix-tasks LOGIN <email> <password>")
	fmt.Println("  celerix-tasks LOGOUT")
	fmt.Println("  celerix-tasks USERS")
	fmt.Println("  celerix-tasks TASKS")
	fmt.Println("  celerix-tasks CREATE <title> <description>")
	fmt.Println("  celerix-tasks EDIT <id> [title] [description] [--status s]")
	fmt.Println("  celerix-tasks DELETE <id>")
	fmt.Println("  celerix-tasks WATCH")
	fmt.Println("  celerix-tasks PING")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  CELERIX_TASKS_ADDR    Address of the daemon (default: localhost:7001)")
	fmt.Println("  CELERIX_TASKS_TOKEN   Session token used by authenticated commands")
	fmt.Println("  CELERIX_DISABLE_TLS   Set to true to disable TLS")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
