package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/artpar/phantomd/internal/config"
	"github.com/artpar/phantomd/internal/device"
	"github.com/artpar/phantomd/internal/tlsutil"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Manage device pairing",
}

var pairIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a pairing token and print its QR payload",
	Long: `Issues a single-use pairing token valid for 5 minutes and prints the
JSON payload a companion app encodes into a QR code.

Rendering the payload as an actual QR code is left to the caller; phantomd
only emits the exact payload string (host/port/fingerprint/token/name/v).`,
	RunE: runPairIssue,
}

func runPairIssue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	mat, err := tlsutil.LoadOrGenerate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("phantomd: tls bootstrap: %w", err)
	}

	devices, err := device.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("phantomd: open device store: %w", err)
	}

	port := parsePort(cfg.BindAddress)
	data, err := devices.GeneratePairingData(mat.Fingerprint, port)
	if err != nil {
		return fmt.Errorf("phantomd: generate pairing data: %w", err)
	}

	fmt.Println(data.QRPayloadJSON)
	return nil
}

var rotateCertCmd = &cobra.Command{
	Use:   "rotate-cert",
	Short: "Generate a fresh self-signed TLS certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		mat, err := tlsutil.Rotate(cfg.StateDir)
		if err != nil {
			return err
		}
		fmt.Println(mat.Fingerprint)
		return nil
	},
}

func parsePort(bindAddress string) uint16 {
	_, portStr, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return 4433
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 4433
	}
	return uint16(port)
}
