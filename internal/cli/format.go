package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

func FormatJSON(out io.Writer, data interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func FormatScriptsTable(out io.Writer, data map[string]interface{}) error {
	scripts, ok := data["scripts"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid scripts data")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOMMAND\tPATH\tDESCRIPTION")

	for _, s := range scripts {
		script := s.(map[string]interface{})
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatNumber(script["id"]),
			getString(script["name"]),
			getString(script["command_pattern"]),
			getString(script["path"]),
			getString(script["description"]),
		)
	}

	return w.Flush()
}

func FormatTaskDetail(out io.Writer, task map[string]interface{}) error {
	fmt.Fprintf(out, "Task: %s\n", formatNumber(task["id"]))
	fmt.Fprintf(out, "Script ID: %s\n", formatNumber(task["script_id"]))
	fmt.Fprintf(out, "Status: %s\n", getString(task["status"]))
	exitCode := "-"
	if task["exit_code"] != nil {
		exitCode = formatNumber(task["exit_code"])
	}
	fmt.Fprintf(out, "Exit Code: %s\n", exitCode)
	fmt.Fprintf(out, "Started: %s\n", formatTime(task["started_at"]))
	if task["completed_at"] != nil {
		fmt.Fprintf(out, "Completed: %s\n", formatTime(task["completed_at"]))
	}

	if output := getString(task["output"]); output != "" {
		fmt.Fprintf(out, "\nOutput:\n%s\n", strings.TrimRight(output, "\n"))
	}
	if errText := getString(task["error"]); errText != "" {
		fmt.Fprintf(out, "\nError:\n%s\n", strings.TrimRight(errText, "\n"))
	}
	return nil
}

func FormatMessagesTable(out io.Writer, data map[string]interface{}) error {
	messages, ok := data["messages"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid messages data")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tAUTHOR\tCONTENT\tOUTCOME")

	for _, m := range messages {
		msg := m.(map[string]interface{})
		author := ""
		if a, ok := msg["author"].(map[string]interface{}); ok {
			author = getString(a["username"])
		}

		outcome := ""
		if errText := getString(msg["error_message"]); errText != "" {
			outcome = "error: " + errText
		} else if getString(msg["command_result"]) != "" {
			outcome = "ok"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatNumber(msg["id"]),
			formatTime(msg["created_at"]),
			author,
			getString(msg["content"]),
			outcome,
		)
	}

	return w.Flush()
}

func FormatStatsTable(out io.Writer, data map[string]interface{}) error {
	fmt.Fprintln(out, "Task Statistics:")
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	tasks, _ := data["tasks"].(map[string]interface{})
	for _, status := range []string{"pending", "running", "completed", "failed"} {
		fmt.Fprintf(w, "%s:\t%s\n", strings.ToUpper(status[:1])+status[1:], formatNumber(tasks[status]))
	}
	fmt.Fprintf(w, "Active Scripts:\t%s\n", formatNumber(data["active_scripts"]))
	fmt.Fprintf(w, "Active Rooms:\t%s\n", formatNumber(data["active_rooms"]))

	if host, ok := data["host"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "Host:\t%s\n", getString(host["hostname"]))
		fmt.Fprintf(w, "Uptime:\t%s\n", formatUptime(host["uptime_seconds"]))
		fmt.Fprintf(w, "CPU:\t%s cores, %s%%\n", formatNumber(host["cpu_cores"]), formatFloat(host["cpu_percent"]))
		fmt.Fprintf(w, "Memory:\t%s / %s\n", formatBytes(host["used_memory_bytes"]), formatBytes(host["total_memory_bytes"]))
		fmt.Fprintf(w, "Storage:\t%s / %s\n", formatBytes(host["used_storage_bytes"]), formatBytes(host["total_storage_bytes"]))
	}

	return w.Flush()
}

func getString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func formatNumber(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case int:
		return strconv.Itoa(n)
	default:
		return "0"
	}
}

func formatFloat(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.1f", f)
	}
	return "0.0"
}

func formatBytes(v interface{}) string {
	var bytes float64
	switch n := v.(type) {
	case float64:
		bytes = n
	case int64:
		bytes = float64(n)
	case int:
		bytes = float64(n)
	default:
		return "0 B"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for bytes >= 1024 && i < len(units)-1 {
		bytes /= 1024
		i++
	}

	return fmt.Sprintf("%.1f %s", bytes, units[i])
}

func formatTime(v interface{}) string {
	if s, ok := v.(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return ""
}

func formatUptime(v interface{}) string {
	var seconds int64
	switch n := v.(type) {
	case float64:
		seconds = int64(n)
	case int64:
		seconds = n
	case int:
		seconds = int64(n)
	default:
		return "0s"
	}

	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
