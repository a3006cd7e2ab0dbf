package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"talewise/api/internal/rules"
	"talewise/api/internal/store"
	"talewise/api/internal/util"
)

type BriefView struct {
	store.Brief
	Overrides []store.OverrideRecord `json:"overrides"`
	DraftID   string                 `json:"draftId,omitempty"`
}

// ContractPreview is a resolved contract plus where it came from.
type ContractPreview struct {
	Contract    rules.Contract `json:"contract"`
	Fingerprint string         `json:"fingerprint"`
	Persisted   bool           `json:"persisted"`
	Cached      bool           `json:"cached"`
}

type AdHocPreviewInput struct {
	Brief          rules.Brief     `json:"brief"`
	RuleSetVersion string          `json:"ruleSetVersion"`
	Override       *rules.Override `json:"override,omitempty"`
}

func (s *Service) CreateBrief(ctx context.Context, input rules.Brief, creatorID string) (store.Brief, error) {
	if creatorID != "" {
		input.CreatorID = creatorID
	}
	brief := input.Normalize()
	if err := brief.Validate(); err != nil {
		return store.Brief{}, asValidation(err)
	}
	brief.ID = util.NewID("brf")
	created, err := s.store.InsertBrief(ctx, brief)
	if err != nil {
		return store.Brief{}, err
	}
	s.log.Info("brief created", "brief_id", created.ID, "creator_id", created.CreatorID, "age_group", string(created.AgeGroup))
	return created, nil
}

func (s *Service) GetBrief(ctx context.Context, briefID string) (BriefView, error) {
	brief, err := s.loadBrief(ctx, briefID)
	if err != nil {
		return BriefView{}, err
	}
	overrides, err := s.store.ListBriefOverrides(ctx, briefID)
	if err != nil {
		return BriefView{}, err
	}
	view := BriefView{Brief: brief, Overrides: overrides}
	draft, err := s.store.GetDraftByBrief(ctx, briefID)
	switch {
	case err == nil:
		view.DraftID = draft.ID
	case !errors.Is(err, sql.ErrNoRows):
		return BriefView{}, err
	}
	return view, nil
}

// PreviewContract resolves the stored brief. An empty version uses the pinned
// rule set, pinning the current default on first use; any other version gives
// a what-if preview that is cached but never persisted on the brief.
func (s *Service) PreviewContract(ctx context.Context, briefID, version string) (ContractPreview, error) {
	brief, err := s.loadBrief(ctx, briefID)
	if err != nil {
		return ContractPreview{}, err
	}

	version = strings.TrimSpace(version)
	persist := version == "" || version == brief.RuleSetVersion
	var rs rules.RuleSet
	if persist {
		rs, brief, err = s.pinnedRuleSet(ctx, brief)
	} else {
		rs, err = s.GetRuleSet(ctx, version)
	}
	if err != nil {
		return ContractPreview{}, err
	}

	overrideHash := rules.OverrideHash(brief.Override)
	if cached, ok := s.cachedContract(ctx, brief.ID, rs.Version, overrideHash); ok {
		if persist && (brief.Preview == nil || brief.Preview.Fingerprint() != cached.Fingerprint()) {
			if err := s.store.SaveBriefPreview(ctx, brief.ID, cached); err != nil {
				return ContractPreview{}, err
			}
		}
		return ContractPreview{Contract: cached, Fingerprint: cached.Fingerprint(), Persisted: persist, Cached: true}, nil
	}

	contract := rules.Resolve(brief.Brief, rs, brief.Override)
	if persist {
		if err := s.store.SaveBriefPreview(ctx, brief.ID, contract); err != nil {
			return ContractPreview{}, err
		}
	}
	s.cacheContract(ctx, brief.ID, overrideHash, contract)
	return ContractPreview{Contract: contract, Fingerprint: contract.Fingerprint(), Persisted: persist}, nil
}

// PreviewAdHoc resolves an unsaved brief without touching storage.
func (s *Service) PreviewAdHoc(ctx context.Context, input AdHocPreviewInput) (ContractPreview, error) {
	brief := input.Brief.Normalize()
	if brief.CreatorID == "" {
		brief.CreatorID = "preview"
	}
	if err := brief.Validate(); err != nil {
		return ContractPreview{}, asValidation(err)
	}
	version := strings.TrimSpace(input.RuleSetVersion)
	if version == "" {
		var err error
		version, err = s.defaultRuleSetVersion(ctx)
		if err != nil {
			return ContractPreview{}, err
		}
	}
	rs, err := s.GetRuleSet(ctx, version)
	if err != nil {
		return ContractPreview{}, err
	}
	contract := rules.Resolve(brief, rs, input.Override)
	return ContractPreview{Contract: contract, Fingerprint: contract.Fingerprint()}, nil
}

// ApplyOverride forces a coping tool onto the brief's contract. A rejected
// override is never stored; the error carries the fallback contract.
func (s *Service) ApplyOverride(ctx context.Context, briefID, toolID, reason, actor string) (rules.Contract, error) {
	toolID = strings.TrimSpace(toolID)
	if toolID == "" {
		return rules.Contract{}, validationError("copingToolId", "copingToolId is required")
	}
	brief, err := s.loadBrief(ctx, briefID)
	if err != nil {
		return rules.Contract{}, err
	}
	rs, brief, err := s.pinnedRuleSet(ctx, brief)
	if err != nil {
		return rules.Contract{}, err
	}

	override := rules.Override{CopingToolID: toolID, Reason: strings.TrimSpace(reason), AppliedAt: s.timestamp()}
	contract := rules.Resolve(brief.Brief, rs, &override)
	if contract.HasError(rules.CodeOverrideRejected) {
		return rules.Contract{}, domainError(http.StatusUnprocessableEntity, CodeOverrideRejected, "Coping tool cannot be used for this brief", map[string]any{
			"copingToolId": toolID,
			"contract":     contract,
		})
	}
	if err := s.store.SaveBriefOverride(ctx, brief.ID, override, contract); err != nil {
		return rules.Contract{}, err
	}
	s.cacheContract(ctx, brief.ID, rules.OverrideHash(&override), contract)
	s.log.Info("override applied", "brief_id", brief.ID, "coping_tool", toolID, "specialist_id", actor)
	return contract, nil
}

func (s *Service) ClearOverride(ctx context.Context, briefID, actor string) (rules.Contract, error) {
	brief, err := s.loadBrief(ctx, briefID)
	if err != nil {
		return rules.Contract{}, err
	}
	rs, brief, err := s.pinnedRuleSet(ctx, brief)
	if err != nil {
		return rules.Contract{}, err
	}
	contract := rules.Resolve(brief.Brief, rs, nil)
	if err := s.store.ClearBriefOverride(ctx, brief.ID, contract); err != nil {
		return rules.Contract{}, err
	}
	s.cacheContract(ctx, brief.ID, rules.OverrideHash(nil), contract)
	s.log.Info("override cleared", "brief_id", brief.ID, "specialist_id", actor)
	return contract, nil
}

func (s *Service) loadBrief(ctx context.Context, briefID string) (store.Brief, error) {
	brief, err := s.store.GetBrief(ctx, briefID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Brief{}, notFound("Brief")
	}
	return brief, err
}

// pinnedRuleSet returns the rule set the brief resolves against, pinning the
// current default the first time. A lost pin race re-reads the winner's pin.
func (s *Service) pinnedRuleSet(ctx context.Context, brief store.Brief) (rules.RuleSet, store.Brief, error) {
	if brief.RuleSetVersion == "" {
		version, err := s.defaultRuleSetVersion(ctx)
		if err != nil {
			return rules.RuleSet{}, brief, err
		}
		ok, err := s.store.PinBriefRuleSet(ctx, brief.ID, version)
		if err != nil {
			return rules.RuleSet{}, brief, err
		}
		if ok {
			brief.RuleSetVersion = version
		} else {
			brief, err = s.loadBrief(ctx, brief.ID)
			if err != nil {
				return rules.RuleSet{}, brief, err
			}
			if brief.RuleSetVersion == "" {
				return rules.RuleSet{}, brief, domainError(http.StatusConflict, CodeRuleSetRetired, "Default rule set is not active", map[string]any{"version": version})
			}
		}
	}
	rs, err := s.GetRuleSet(ctx, brief.RuleSetVersion)
	return rs, brief, err
}

func (s *Service) defaultRuleSetVersion(ctx context.Context) (string, error) {
	version, err := s.store.GetDefaultRuleSetVersion(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("Default rule set")
	}
	return version, err
}

func (s *Service) cachedContract(ctx context.Context, briefID, version, overrideHash string) (rules.Contract, bool) {
	if s.cache == nil {
		return rules.Contract{}, false
	}
	contract, ok, err := s.cache.Get(ctx, briefID, version, overrideHash)
	if err != nil {
		s.log.Warn("preview cache read failed", "brief_id", briefID, "error", err)
		return rules.Contract{}, false
	}
	return contract, ok
}

func (s *Service) cacheContract(ctx context.Context, briefID, overrideHash string, contract rules.Contract) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, briefID, overrideHash, contract); err != nil {
		s.log.Warn("preview cache write failed", "brief_id", briefID, "error", err)
	}
}
