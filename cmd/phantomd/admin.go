package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/phantomd/internal/config"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Talk to a running phantomd over its admin socket",
}

type adminRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type adminResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func callAdmin(method string, params any) (json.RawMessage, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("unix", cfg.StateDir+"/daemon.sock", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("phantomd: dial admin socket: %w", err)
	}
	defer conn.Close()

	req := adminRequest{ID: "1", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("phantomd: write admin request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("phantomd: read admin response: %w", err)
	}

	var resp adminResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("phantomd: decode admin response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("phantomd: %s", resp.Error)
	}
	return resp.Result, nil
}

func printAdminResult(result json.RawMessage) error {
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callAdmin("status", nil)
		if err != nil {
			return err
		}
		return printAdminResult(result)
	},
}

var adminListSessionsCmd = &cobra.Command{
	Use:   "list-sessions",
	Short: "List live PTY sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callAdmin("list_sessions", nil)
		if err != nil {
			return err
		}
		return printAdminResult(result)
	},
}

var adminListDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callAdmin("list_devices", nil)
		if err != nil {
			return err
		}
		return printAdminResult(result)
	},
}

var adminRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a paired device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callAdmin("revoke_device", map[string]string{"device_id": args[0]})
		if err != nil {
			return err
		}
		return printAdminResult(result)
	},
}

var adminDestroySessionCmd = &cobra.Command{
	Use:   "destroy-session <session-id>",
	Short: "Forcibly destroy a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := callAdmin("destroy_session", map[string]string{"session_id": args[0]})
		if err != nil {
			return err
		}
		return printAdminResult(result)
	},
}
