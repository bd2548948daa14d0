package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// MeshConfig is the single configuration value handed to the mesh at boot.
// The core never reads environment variables; cmd/meshd translates MESH_*
// variables into this struct before construction.
type MeshConfig struct {
	Node         NodeConfig         `yaml:"node"`
	Auth         AuthConfig         `yaml:"auth"`
	Membership   MembershipConfig   `yaml:"membership"`
	Gossip       GossipConfig       `yaml:"gossip"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Escrow       EscrowConfig       `yaml:"escrow"`
	Reputation   ReputationConfig   `yaml:"reputation"`
	Auction      AuctionConfig      `yaml:"auction"`
	Contracts    ContractsConfig    `yaml:"contracts"`
	Friction     FrictionConfig     `yaml:"friction"`
	Firebreak    FirebreakConfig    `yaml:"firebreak"`
	Verifier     VerifierConfig     `yaml:"verifier"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Sabotage     SabotageConfig     `yaml:"sabotage"`
	Redelegation RedelegationConfig `yaml:"redelegation"`
	Router       RouterConfig       `yaml:"router"`
	Events       EventsConfig       `yaml:"events"`
}

type NodeConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	Port         string   `yaml:"port"`
	Capabilities []string `yaml:"capabilities"`
	DataDir      string   `yaml:"data_dir"`
}

type AuthConfig struct {
	// SharedSecret is the pre-shared bearer token required on every
	// mutating peer endpoint. The server keeps only a bcrypt hash.
	SharedSecret string `yaml:"shared_secret"`
}

type MembershipConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	SweepIntervalMs     int `yaml:"sweep_interval_ms"`
	SuspectedAfterMs    int `yaml:"suspected_after_ms"`
	UnreachableAfterMs  int `yaml:"unreachable_after_ms"`
	EvictAfterMs        int `yaml:"evict_after_ms"`
}

type GossipConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMs int  `yaml:"interval_ms"`
	Fanout     int  `yaml:"fanout"`
}

type CredentialsConfig struct {
	RequireCredentials bool     `yaml:"require_credentials"`
	MinEndorsements    int      `yaml:"min_endorsements"`
	TrustedIssuers     []string `yaml:"trusted_issuers"`
}

type EscrowConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	DefaultBond    float64 `yaml:"default_bond"`
	SlashFraction  float64 `yaml:"slash_fraction"`
}

type ReputationConfig struct {
	// HalfLifeHours drives the exponential decay applied to success and
	// failure counts on every access.
	HalfLifeHours float64 `yaml:"half_life_hours"`
}

type AuctionConfig struct {
	CommitWindowMs        int     `yaml:"commit_window_ms"`
	RevealWindowMs        int     `yaml:"reveal_window_ms"`
	MaxBidsPerNodePerMin  int     `yaml:"max_bids_per_node_per_min"`
	FrontrunWindowMs      int     `yaml:"frontrun_window_ms"`
	FrontrunRatio         float64 `yaml:"frontrun_ratio"`
	CommitmentRetentionMs int     `yaml:"commitment_retention_ms"`
}

type ContractsConfig struct {
	PersistPath          string `yaml:"persist_path"`
	CheckpointIntervalMs int    `yaml:"checkpoint_interval_ms"`
}

type FrictionConfig struct {
	GateThreshold  float64 `yaml:"gate_threshold"`
	PromptsPerHour int     `yaml:"prompts_per_hour"`
	DigestEveryMs  int     `yaml:"digest_every_ms"`
}

type FirebreakConfig struct {
	BaseDepth int `yaml:"base_depth"`
}

type VerifierConfig struct {
	MinQualityScore float64 `yaml:"min_quality_score"`
}

type ConsensusConfig struct {
	Enabled         bool    `yaml:"enabled"`
	QuorumSize      int     `yaml:"quorum_size"`
	QuorumThreshold float64 `yaml:"quorum_threshold"`
	// SlashFraction applied when the quorum disagrees with the local
	// verdict. Explicit policy knob; distinct from the SLO slash fraction.
	SlashFraction float64 `yaml:"slash_fraction"`
}

type SabotageConfig struct {
	BurstWindowMs     int     `yaml:"burst_window_ms"`
	BurstCount        int     `yaml:"burst_count"`
	DominanceRatio    float64 `yaml:"dominance_ratio"`
	LedgerCap         int     `yaml:"ledger_cap"`
	LedgerTrimTo      int     `yaml:"ledger_trim_to"`
	CollusionDiscount float64 `yaml:"collusion_discount_confidence"`
}

type RedelegationConfig struct {
	MaxRedelegations int `yaml:"max_redelegations"`
	CooldownMs       int `yaml:"cooldown_ms"`
	TickIntervalMs   int `yaml:"tick_interval_ms"`
}

type RouterConfig struct {
	ScoreFloor float64 `yaml:"score_floor"`
}

type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// DefaultConfig returns a MeshConfig populated with the documented defaults.
func DefaultConfig() *MeshConfig {
	return &MeshConfig{
		Node: NodeConfig{
			Name:    "mesh-node",
			Port:    "8080",
			DataDir: "data",
		},
		Membership: MembershipConfig{
			HeartbeatIntervalMs: 2000,
			SweepIntervalMs:     1000,
			SuspectedAfterMs:    6000,
			UnreachableAfterMs:  15000,
			EvictAfterMs:        60000,
		},
		Gossip: GossipConfig{
			Enabled:    true,
			IntervalMs: 5000,
			Fanout:     3,
		},
		Escrow: EscrowConfig{
			InitialBalance: 100.0,
			DefaultBond:    1.0,
			SlashFraction:  0.5,
		},
		Reputation: ReputationConfig{
			HalfLifeHours: 168, // one week
		},
		Auction: AuctionConfig{
			CommitWindowMs:        2000,
			RevealWindowMs:        2000,
			MaxBidsPerNodePerMin:  10,
			FrontrunWindowMs:      500,
			FrontrunRatio:         0.75,
			CommitmentRetentionMs: 600000,
		},
		Contracts: ContractsConfig{
			PersistPath: "data/contracts.jsonl",
		},
		Friction: FrictionConfig{
			GateThreshold:  0.7,
			PromptsPerHour: 6,
			DigestEveryMs:  300000,
		},
		Firebreak: FirebreakConfig{
			BaseDepth: 4,
		},
		Verifier: VerifierConfig{
			MinQualityScore: 0.7,
		},
		Consensus: ConsensusConfig{
			QuorumSize:      3,
			QuorumThreshold: 2.0 / 3.0,
			SlashFraction:   0.25,
		},
		Sabotage: SabotageConfig{
			BurstWindowMs:     60000,
			BurstCount:        5,
			DominanceRatio:    0.8,
			LedgerCap:         10000,
			LedgerTrimTo:      5000,
			CollusionDiscount: 0.7,
		},
		Redelegation: RedelegationConfig{
			MaxRedelegations: 2,
			CooldownMs:       5000,
			TickIntervalMs:   2000,
		},
		Router: RouterConfig{
			ScoreFloor: 0.2,
		},
		Events: EventsConfig{
			ChannelPrefix: "mesh:events:",
		},
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (*MeshConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
