package config

import (
	"fmt"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// Validate checks the Config for the conditions that must hold before
// the gateway binds a single listener: duplicate AE titles or ports,
// dangling RouteDestination/broker references, and resilience settings
// outside their documented ranges. A failure here is what §6 calls
// "configuration invalid" — the host process exits 1 without binding
// anything.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return configError("data_root", "must be set")
	}

	destByName := make(map[string]dicom.Destination, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Name == "" {
			return configError("destinations", "destination with empty name")
		}
		if _, dup := destByName[d.Name]; dup {
			return configError("destinations", fmt.Sprintf("duplicate destination name %q", d.Name))
		}
		destByName[d.Name] = d
		if err := validateDestinationKind(d); err != nil {
			return err
		}
	}

	brokerByName := make(map[string]BrokerConfig, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.Name == "" {
			return configError("brokers", "broker with empty name")
		}
		if _, dup := brokerByName[b.Name]; dup {
			return configError("brokers", fmt.Sprintf("duplicate broker name %q", b.Name))
		}
		brokerByName[b.Name] = b
	}

	scriptByName := make(map[string]bool, len(c.Scripts))
	for _, s := range c.Scripts {
		if s.Name == "" {
			return configError("scripts", "script with empty name")
		}
		scriptByName[s.Name] = true
	}
	scriptByName["hipaa_standard"] = true // built-ins, always available
	scriptByName["basic"] = true

	seenAE := make(map[string]bool, len(c.Routes))
	seenPort := make(map[int]string, len(c.Routes))
	for _, r := range c.Routes {
		if r.AETitle == "" {
			return configError("routes", "route with empty ae_title")
		}
		if seenAE[r.AETitle] {
			return configError("routes", fmt.Sprintf("duplicate ae_title %q", r.AETitle))
		}
		seenAE[r.AETitle] = true

		if owner, dup := seenPort[r.Port]; dup {
			return configError("routes", fmt.Sprintf("port %d used by both %q and %q", r.Port, owner, r.AETitle))
		}
		seenPort[r.Port] = r.AETitle

		for _, rd := range r.Destinations {
			if _, ok := destByName[rd.DestinationName]; !ok {
				return configError("routes", fmt.Sprintf("route %q references unknown destination %q", r.AETitle, rd.DestinationName))
			}
			if rd.Anonymize && rd.ScriptName != "" && !scriptByName[rd.ScriptName] {
				return configError("routes", fmt.Sprintf("route %q destination %q references unknown script %q", r.AETitle, rd.DestinationName, rd.ScriptName))
			}
			if rd.BrokerName != "" {
				if _, ok := brokerByName[rd.BrokerName]; !ok {
					return configError("routes", fmt.Sprintf("route %q destination %q references unknown broker %q", r.AETitle, rd.DestinationName, rd.BrokerName))
				}
			}
		}
	}

	if c.Resilience.MaxRetries < 0 {
		return configError("resilience.max_retries", "must be >= 0")
	}
	if c.Resilience.RetryDelaySeconds <= 0 {
		return configError("resilience.retry_delay_seconds", "must be > 0")
	}
	if c.Resilience.HealthCheckIntervalSeconds <= 0 {
		return configError("resilience.health_check_interval_seconds", "must be > 0")
	}

	return nil
}

func validateDestinationKind(d dicom.Destination) error {
	switch d.Kind {
	case dicom.KindDicomAE:
		if d.DicomAE == nil {
			return configError("destinations", fmt.Sprintf("destination %q is kind dicom_ae but has no dicom_ae config", d.Name))
		}
	case dicom.KindXNAT:
		if d.XNAT == nil {
			return configError("destinations", fmt.Sprintf("destination %q is kind xnat but has no xnat config", d.Name))
		}
	case dicom.KindFilesystem:
		if d.Filesystem == nil {
			return configError("destinations", fmt.Sprintf("destination %q is kind filesystem but has no filesystem config", d.Name))
		}
	default:
		return configError("destinations", fmt.Sprintf("destination %q has unrecognized kind %q", d.Name, d.Kind))
	}
	return nil
}

func configError(field, message string) error {
	return &core.FrameworkError{
		Op:      "config.Validate",
		Kind:    "configuration",
		ID:      field,
		Message: message,
		Err:     core.ErrInvalidConfiguration,
	}
}
