package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/metorial/chatops/internal/cli"
	"github.com/metorial/chatops/internal/discovery"
)

var (
	serverURL  string
	consulAddr string
	token      string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "CLI for the chatops server",
	Long: `chatctl is a command-line interface for the chatops REST API.

It manages the scripts chat commands can trigger, inspects script tasks,
and reads or posts room messages.`,
	SilenceUsage: true,
}

// newClient resolves the server address, asking Consul when --consul is set.
func newClient() (*cli.Client, error) {
	if consulAddr == "" {
		return cli.NewClient(serverURL, token), nil
	}

	sd, err := discovery.NewServiceDiscovery(consulAddr, "chatops")
	if err != nil {
		return nil, err
	}
	addr, err := sd.Discover(sd.HTTPServiceName())
	if err != nil {
		return nil, err
	}
	return cli.NewClient("http://"+addr, token), nil
}

func render(cmd *cobra.Command, data map[string]interface{}, table func() error) error {
	if outputJSON {
		return cli.FormatJSON(cmd.OutOrStdout(), data)
	}
	return table()
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.Health()
		if err != nil {
			return err
		}

		return render(cmd, data, func() error {
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %v\n", data["status"])
			fmt.Fprintf(cmd.OutOrStdout(), "Database: %v\n", data["database"])
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts and host usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.GetStats()
		if err != nil {
			return err
		}

		return render(cmd, data, func() error { return cli.FormatStatsTable(cmd.OutOrStdout(), data) })
	},
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Manage registered scripts",
}

var listScriptsCmd = &cobra.Command{
	Use:   "list",
	Short: "List active scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.ListScripts()
		if err != nil {
			return err
		}

		return render(cmd, data, func() error { return cli.FormatScriptsTable(cmd.OutOrStdout(), data) })
	},
}

var registerScriptCmd = &cobra.Command{
	Use:   "register [name] [path]",
	Short: "Register a script under a chat command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		pattern, _ := cmd.Flags().GetString("command")

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.RegisterScript(args[0], args[1], description, pattern)
		if err != nil {
			return err
		}

		return render(cmd, data, func() error {
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %v as %v\n", data["name"], data["command_pattern"])
			return nil
		})
	},
}

var getScriptCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Show one script, active or not",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.GetScript(args[0])
		if err != nil {
			return err
		}

		return render(cmd, data, func() error {
			return cli.FormatScriptsTable(cmd.OutOrStdout(), map[string]interface{}{
				"scripts": []interface{}{data},
			})
		})
	},
}

var deactivateScriptCmd = &cobra.Command{
	Use:   "deactivate [name]",
	Short: "Stop a script from answering its command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.DeactivateScript(args[0])
		if err != nil {
			return err
		}

		return render(cmd, data, func() error {
			fmt.Fprintln(cmd.OutOrStdout(), data["message"])
			return nil
		})
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect script tasks",
}

var getTaskCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show the status and output of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task ID %q", args[0])
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.GetTask(id)
		if err != nil {
			return err
		}

		return render(cmd, data, func() error { return cli.FormatTaskDetail(cmd.OutOrStdout(), data) })
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read and post room messages",
}

var listMessagesCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent messages of a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.ListMessages(room, limit)
		if err != nil {
			return err
		}

		return render(cmd, data, func() error { return cli.FormatMessagesTable(cmd.OutOrStdout(), data) })
	},
}

var sendMessageCmd = &cobra.Command{
	Use:   "send [content...]",
	Short: "Store a message in a room without running commands",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, _ := cmd.Flags().GetString("room")

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.SendMessage(room, strings.Join(args, " "))
		if err != nil {
			return err
		}

		return render(cmd, data, func() error {
			fmt.Fprintf(cmd.OutOrStdout(), "Message %.0f stored in %v\n", data["id"], data["room_id"])
			return nil
		})
	},
}

func init() {
	defaultServerURL := os.Getenv("CHATOPS_URL")
	if defaultServerURL == "" {
		defaultServerURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "chatops server URL")
	rootCmd.PersistentFlags().StringVar(&consulAddr, "consul", os.Getenv("CONSUL_HTTP_ADDR"), "Consul address used to discover the server (overrides --server)")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("CHATOPS_TOKEN"), "Identity token (username)")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	registerScriptCmd.Flags().StringP("description", "d", "", "Script description")
	registerScriptCmd.Flags().StringP("command", "c", "", "Trigger pattern (default /<name>)")

	for _, c := range []*cobra.Command{listMessagesCmd, sendMessageCmd} {
		c.Flags().StringP("room", "r", "general", "Room ID")
	}
	listMessagesCmd.Flags().IntP("limit", "l", 50, "Number of messages to retrieve (max: 1000)")

	scriptsCmd.AddCommand(listScriptsCmd, getScriptCmd, registerScriptCmd, deactivateScriptCmd)
	tasksCmd.AddCommand(getTaskCmd)
	messagesCmd.AddCommand(listMessagesCmd, sendMessageCmd)

	rootCmd.AddCommand(healthCmd, statsCmd, scriptsCmd, tasksCmd, messagesCmd)
}
