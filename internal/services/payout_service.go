package services

import (
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/spf13/viper"
	"github.com/tilebet/backend/internal/models"
)

// PayoutService turns approved withdrawals into ISO 20022 pacs.008 credit
// transfer messages for the operator's settlement rail.
type PayoutService struct {
	db *sql.DB
}

func NewPayoutService(db *sql.DB) *PayoutService {
	return &PayoutService{db: db}
}

// ExportPayout renders the settlement message for one approved withdrawal
// @Summary Export a payout message
// @Description Build the pacs.008 credit transfer for an approved withdrawal
// @Tags admin
// @Produce json
// @Param withdrawalId path int true "Withdrawal ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /admin/withdrawals/{withdrawalId}/export [get]
func (s *PayoutService) ExportPayout(w http.ResponseWriter, r *http.Request) {
	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "withdrawalId"), 10, 64)
	if err != nil {
		SendDomainError(w, "payout", fmt.Errorf("%w: bad withdrawal id", models.ErrInvalidArgument))
		return
	}

	var wd models.Withdrawal
	err = s.db.QueryRow(`
		SELECT id, user_id, amount, destination, status, created_at
		FROM withdrawals
		WHERE id = $1`, withdrawalID).
		Scan(&wd.ID, &wd.UserID, &wd.Amount, &wd.Destination, &wd.Status, &wd.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		SendDomainError(w, "payout", fmt.Errorf("%w: withdrawal %d", models.ErrNotFound, withdrawalID))
		return
	}
	if err != nil {
		SendDomainError(w, "payout", storageErr(err))
		return
	}

	if wd.Status != models.FundingApproved {
		SendDomainError(w, "payout", fmt.Errorf("%w: withdrawal is %s, not APPROVED", models.ErrInvalidState, wd.Status))
		return
	}

	doc, err := s.CreatePacs008(&wd)
	if err != nil {
		SendDomainError(w, "payout", err)
		return
	}
	xmlData, err := ConvertToXML(doc)
	if err != nil {
		SendDomainError(w, "payout", err)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"messageType": "pacs.008.001.08",
		"xml":         xmlData,
	})
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// a withdrawal payout.
func (s *PayoutService) CreatePacs008(wd *models.Withdrawal) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	viper.SetDefault("funding.currency", "USD")
	viper.SetDefault("funding.settlement_bic", "TILEBETX")
	currency := viper.GetString("funding.currency")

	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()
	amount := float64(wd.Amount) / 100 // cents to units
	endToEnd := fmt.Sprintf("WD-%d", wd.ID)
	payer := fmt.Sprintf("user-%d", wd.UserID)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(endToEnd)}[0],
					EndToEndId: common.Max35Text(endToEnd),
					TxId:       &[]common.Max35Text{common.Max35Text(msgId)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(viper.GetString("funding.settlement_bic"))}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payer)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(wd.Destination)}[0],
				},
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to its XML string form.
func ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
