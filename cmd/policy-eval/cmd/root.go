// Package cmd implements policy-eval, a minimal CLI for exercising the
// Evaluation Environment against a local Wasm policy module: register it,
// feed it one request, print the resulting admission response. It is not
// a replacement for kwctl -- there is no OCI pull, no HTTP server -- only
// enough to manually drive internal/evaluator while developing a policy.
// Grounded on kwctl/src/command/run.rs's evaluate-one-request shape.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	admissionv1 "k8s.io/api/admission/v1"

	"github.com/kubewarden/policy-evaluator/internal/evaluator"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
	"github.com/kubewarden/policy-evaluator/pkg/metadata"
	"github.com/kubewarden/policy-evaluator/pkg/policymode"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// hostVersion is what this host declares to policies that carry a
// minimum-kubewarden-version annotation.
const hostVersion = "1.11.0"

// defaultCallTimeout bounds a single validate/validate_settings call,
// generous enough for manual testing without leaving a runaway policy
// free to hang the CLI forever.
const defaultCallTimeout = 30 * time.Second

var abiByFlag = map[string]metadata.ExecutionMode{
	"wapc":       metadata.ExecutionModeKubewardenWapc,
	"opa":        metadata.ExecutionModeOPA,
	"gatekeeper": metadata.ExecutionModeGatekeeper,
	"wasi":       metadata.ExecutionModeWASI,
}

// NewRootCommand builds the policy-eval command tree.
func NewRootCommand() *cobra.Command {
	var (
		policyPath    string
		requestPath   string
		settingsPath  string
		abiFlag       string
		modeFlag      string
		allowMutation bool
		entrypointID  int32
	)

	rootCmd := &cobra.Command{
		Use:   "policy-eval",
		Short: "Register a local Wasm policy and evaluate one request against it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			abi, ok := abiByFlag[abiFlag]
			if !ok {
				return errors.Errorf("unknown --abi %q: supported values are wapc, opa, gatekeeper, wasi", abiFlag)
			}
			mode := policymode.Mode(modeFlag)
			if !mode.Valid() {
				return errors.Errorf("unknown --mode %q: supported values are protect, monitor", modeFlag)
			}

			moduleBytes, err := os.ReadFile(policyPath)
			if err != nil {
				return errors.Wrap(err, "cannot read policy module")
			}
			requestJSON, err := readRequest(requestPath)
			if err != nil {
				return err
			}
			policySettings, err := readSettings(settingsPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			m, err := metadata.FromModuleBytes(ctx, moduleBytes, abi)
			if err != nil {
				return errors.Wrap(err, "cannot read policy metadata")
			}
			if err := m.CheckMinimumVersion(hostVersion); err != nil {
				return err
			}

			allowList := []settings.ContextAwareResource{}
			if m != nil {
				for _, r := range m.ContextAwareResources {
					allowList = append(allowList, settings.ContextAwareResource{APIVersion: r.APIVersion, Kind: r.Kind})
				}
			}

			engine := wasmengine.Shared()
			env := evaluator.New(engine, nil)

			const policyID = "policy-eval"
			if err := env.Register(ctx, evaluator.PolicyRegistration{
				PolicyID:         policyID,
				ModuleBytes:      moduleBytes,
				ABI:              abi,
				RegoEntrypointID: entrypointID,
				Settings:         policySettings,
				Mode:             mode,
				AllowMutation:    allowMutation,
				AllowList:        allowList,
				Deadlines: &wasmengine.EpochDeadlines{
					Init: wasmengine.TicksForDeadline(defaultCallTimeout),
					Call: wasmengine.TicksForDeadline(defaultCallTimeout),
				},
			}); err != nil {
				return errors.Wrap(err, "cannot register policy")
			}

			request, err := decodeRequest(requestJSON)
			if err != nil {
				return err
			}

			response, err := env.Evaluate(ctx, policyID, request, requestJSON)
			if err != nil {
				return errors.Wrap(err, "evaluation failed")
			}

			return printResponse(cmd, response)
		},
	}

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVarP(&policyPath, "policy", "p", "", "path to the Wasm policy module (required)")
	rootCmd.Flags().StringVarP(&requestPath, "request", "r", "", "path to the AdmissionRequest JSON file (defaults to stdin)")
	rootCmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "path to a JSON file with the policy settings (defaults to {})")
	rootCmd.Flags().StringVarP(&abiFlag, "abi", "a", "wapc", "policy ABI: wapc, opa, gatekeeper, or wasi")
	rootCmd.Flags().StringVarP(&modeFlag, "mode", "m", string(policymode.Default), "policy mode: protect or monitor")
	rootCmd.Flags().BoolVar(&allowMutation, "allow-mutation", false, "allow the policy to return a mutation patch")
	rootCmd.Flags().Int32Var(&entrypointID, "entrypoint-id", 0, "OPA entrypoint id (opa/gatekeeper ABI only)")
	if err := rootCmd.MarkFlagRequired("policy"); err != nil {
		panic(err)
	}

	return rootCmd
}

// Execute runs rootCmd, printing any error to stderr and exiting non-zero.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "policy-eval: %s\n", err.Error())
		os.Exit(1)
	}
}

func readRequest(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read request from stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read request file")
	}
	return data, nil
}

func readSettings(path string) (settings.PolicySettings, error) {
	if path == "" {
		return settings.PolicySettings{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read settings file")
	}
	var s settings.PolicySettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "cannot decode settings file")
	}
	return s, nil
}

// decodeRequest accepts either a bare AdmissionRequest or an
// AdmissionReview envelope wrapping one, the two shapes a user is likely
// to have on hand while testing a policy locally.
func decodeRequest(raw []byte) (*admissionv1.AdmissionRequest, error) {
	var review struct {
		Request *admissionv1.AdmissionRequest `json:"request"`
	}
	if err := json.Unmarshal(raw, &review); err == nil && review.Request != nil {
		return review.Request, nil
	}

	var request admissionv1.AdmissionRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return nil, errors.Wrap(err, "cannot decode request as an AdmissionRequest or AdmissionReview")
	}
	return &request, nil
}

func printResponse(cmd *cobra.Command, response *admissionv1.AdmissionResponse) error {
	out, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cannot marshal admission response")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
